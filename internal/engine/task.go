// Package engine implements the compile task state machine, the Engine
// context that owns the process-wide singletons it depends on, and the
// LinkingQueue used to serialize link-mode tasks.
//
// A task moves SETUP -> FILE_REQ -> CALL_EXEC -> FILE_RESP -> FINISHED,
// racing an optional LOCAL_RUN, with ramp-up, fallback, verify-output and
// hermetic-mode policy applied along the way.
package engine

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomacc-proxy/gomaccd/internal/commit"
	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/compilerinfo"
	"github.com/gomacc-proxy/gomaccd/internal/flags"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

// State is one of the Compile Task state machine's states.
type State int

const (
	StateInit State = iota
	StateSetup
	StateFileReq
	StateCallExec
	StateLocalOutput
	StateFileResp
	StateFinished
	StateLocalRun
	StateLocalFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSetup:
		return "SETUP"
	case StateFileReq:
		return "FILE_REQ"
	case StateCallExec:
		return "CALL_EXEC"
	case StateLocalOutput:
		return "LOCAL_OUTPUT"
	case StateFileResp:
		return "FILE_RESP"
	case StateFinished:
		return "FINISHED"
	case StateLocalRun:
		return "LOCAL_RUN"
	case StateLocalFinished:
		return "LOCAL_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Weight is task_weight: heavy tasks (links) defer
// their local launch until CallExec has begun.
type Weight int

const (
	WeightLight Weight = iota
	WeightHeavy
)

// LocalResult is the outcome of a local subprocess run.
type LocalResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error // process could not even be started/waited on
}

// Reply is the finalized IPC response.
type Reply struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Diagnostics []string
}

// ReplySink is the IPC channel abstraction a Task writes its single Reply
// to. Closed fires when the peer disconnects before Reply, so
// the task can short-circuit to Finished.
type ReplySink interface {
	SendReply(Reply) error
	Closed() <-chan struct{}
}

// inputSlot is one element of Task.requiredInputs together with the
// resolved hash key once known.
type inputSlot struct {
	absPath     string
	hashKey     common.SHA256
	haveKey     bool
	embedded    []byte
	missingFlag bool // this file was reported missing by the server on the previous attempt
}

// Task is one compile request.
type Task struct {
	id      uint32
	engine  *Engine
	traceID string

	mu    sync.Mutex
	state State

	abort    int32 // atomic bool: local finished and we committed to local
	canceled int32 // atomic bool: client disconnected

	cwd    string
	argv   []string
	reply  ReplySink

	parsed       flags.ParsedFlags
	compilerInfo compilerinfo.Info

	verifyOutput   bool
	shouldFallback bool
	weight         Weight
	localAllowed   bool

	inputs []*inputSlot

	outputs []*commit.OutputFile

	execRetryCount int

	localResult  *LocalResult
	localDone    chan struct{}
	localStarted int32 // atomic bool
	localCmd     *exec.Cmd

	remoteResp   transport.ExecResponse
	remoteStatus transport.ExecStatus

	refcount  int32
	replySent int32 // atomic bool
	doneOnce  sync.Once
	doneCh    chan struct{}

	createdAt time.Time
}

func (t *Task) ID() uint32 { return t.id }

func newTask(id uint32, e *Engine, cwd string, argv []string, reply ReplySink) *Task {
	return &Task{
		id:        id,
		engine:    e,
		traceID:   common.NewTraceID(),
		state:     StateInit,
		cwd:       cwd,
		argv:      argv,
		reply:     reply,
		refcount:  1,
		localDone: make(chan struct{}),
		doneCh:    make(chan struct{}),
		createdAt: time.Now(),
	}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setAbort()     { atomic.StoreInt32(&t.abort, 1) }
func (t *Task) IsAbort() bool { return atomic.LoadInt32(&t.abort) == 1 }

func (t *Task) setCanceled()     { atomic.StoreInt32(&t.canceled, 1) }
func (t *Task) IsCanceled() bool { return atomic.LoadInt32(&t.canceled) == 1 }

// Acquire/Release implement a refcount discipline: a new task holds one
// reference, released by finish once the task reaches a terminal state;
// every Acquire adds one more, and the task is freed only after all of
// them are released.
func (t *Task) Acquire() { atomic.AddInt32(&t.refcount, 1) }

func (t *Task) Release() {
	if atomic.AddInt32(&t.refcount, -1) == 0 {
		t.engine.Registry.Release(t.id)
		t.doneOnce.Do(func() { close(t.doneCh) })
	}
}

// Done is signaled once reply_sent, any background local-output upload has
// finished, and the local subprocess (if any) has been joined.
func (t *Task) Done() <-chan struct{} { return t.doneCh }
