package engine

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gomacc-proxy/gomaccd/internal/commit"
	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/compilerinfo"
	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/flags"
	"github.com/gomacc-proxy/gomaccd/internal/hashcache"
	"github.com/gomacc-proxy/gomaccd/internal/includes"
	"github.com/gomacc-proxy/gomaccd/internal/registry"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
	"github.com/gomacc-proxy/gomaccd/internal/upload"
	"github.com/gomacc-proxy/gomaccd/internal/worker"
)

// Engine is the explicit, constructible context that replaces global
// mutable state: one per daemon process, one per test. It owns every
// process-wide table the Task state machine consults.
type Engine struct {
	Config config.EngineConfig
	Log    *logrus.Entry

	HashCache   *hashcache.Cache
	Coordinator *upload.Coordinator
	BufferPool  *commit.BufferPool
	Registry    *registry.Registry
	Pool        *worker.Pool
	Linking     *LinkingQueue
	CompilerInfoCache *compilerinfo.Cache

	Transport  transport.RemoteTransport
	Uploader   transport.Uploader
	Downloader transport.Downloader

	Parsers     map[flags.CompilerFamily]flags.Parser
	IncludeProc includes.Processor

	renameCfg common.RetryConfig

	mu                   sync.Mutex
	recentRemoteFailures map[string]time.Time // filename -> last time it failed remotely
	pendingLocal         int32

	rng *rand.Rand
}

// New builds an Engine from already-constructed collaborators; callers
// (cmd/gomaccd for production, tests for fakes) supply the Transport,
// Uploader, Downloader, and Parsers.
func New(cfg config.EngineConfig, log *logrus.Entry, tr transport.RemoteTransport, up transport.Uploader, dl transport.Downloader) *Engine {
	hc := hashcache.New(cfg.NewFileThreshold)
	e := &Engine{
		Config:               cfg,
		Log:                  log,
		HashCache:            hc,
		Coordinator:          upload.New(hc, up, cfg),
		BufferPool:           commit.NewBufferPool(cfg.OutputBufferBudget),
		Registry:             registry.New(),
		Pool:                 worker.NewPool(8),
		Linking:              NewLinkingQueue(),
		Transport:            tr,
		Uploader:             up,
		Downloader:           dl,
		Parsers: map[flags.CompilerFamily]flags.Parser{
			flags.FamilyGCCClang: flags.GCCClangParser{},
			flags.FamilyMSVC:     flags.MSVCParser{},
			flags.FamilyJavac:    flags.JavacParser{},
		},
		IncludeProc:           includes.NewOwnParser(),
		renameCfg:             common.RetryConfig{MaxAttempts: cfg.MaxRenameRetry, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffMultiplier: 2},
		recentRemoteFailures:  make(map[string]time.Time),
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return e
}

// NewTask registers a fresh Task for one accepted IPC connection.
func (e *Engine) NewTask(cwd string, argv []string, reply ReplySink) *Task {
	var t *Task
	e.Registry.Register(func(id uint32) registry.Task {
		t = newTask(id, e, cwd, argv, reply)
		return t
	})
	return t
}

func (e *Engine) markRemoteFailure(absPath string) {
	e.mu.Lock()
	e.recentRemoteFailures[absPath] = time.Now()
	e.mu.Unlock()
}

// recentlyFailedRemotely reports whether any of this task's inputs were
// recently known to fail remotely, biasing Start toward a local-only run.
func (e *Engine) recentlyFailedRemotely(inputs []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range inputs {
		if t, ok := e.recentRemoteFailures[f]; ok && time.Since(t) < 5*time.Minute {
			return true
		}
	}
	return false
}

func (e *Engine) remoteHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	// a crude health signal: too many distinct recent failures implies an
	// unhealthy cluster.
	return len(e.recentRemoteFailures) < 50
}

func (e *Engine) incPendingLocal() int32 { return atomic.AddInt32(&e.pendingLocal, 1) }
func (e *Engine) decPendingLocal()       { atomic.AddInt32(&e.pendingLocal, -1) }

func (e *Engine) pendingLocalCount() int32 {
	return atomic.LoadInt32(&e.pendingLocal)
}

// ShouldStopGoma is polled at every state boundary of the race between the
// remote attempt and an optional local compile, reporting true once local
// should be preferred from this point on.
func (e *Engine) ShouldStopGoma(t *Task, atState State) bool {
	if t.localWon() && localRunPreferenceAtOrBefore(e.Config.LocalRunPreference, atState) {
		return true
	}
	if t.execRetryCount >= e.Config.MaxExecRetry && !e.remoteHealthy() {
		return true
	}
	return e.Config.RampUp <= 0
}

func localRunPreferenceAtOrBefore(pref string, at State) bool {
	order := map[string]State{
		"INIT": StateInit, "SETUP": StateSetup, "FILE_REQ": StateFileReq,
		"CALL_EXEC": StateCallExec, "FILE_RESP": StateFileResp,
	}
	prefState, ok := order[pref]
	if !ok {
		prefState = StateCallExec
	}
	return at >= prefState
}
