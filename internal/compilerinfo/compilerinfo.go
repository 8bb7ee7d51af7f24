// Package compilerinfo probes a local compiler binary for its
// version/target triple and caches the result so every invocation doesn't
// re-exec the compiler with --version. The cache is keyed by compiler path
// + flags, guarded by a sync.RWMutex, optionally persisted to disk, with a
// negative-cache duration for failed probes and an fsnotify watch that
// reloads the cache file when it is rewritten on disk.
package compilerinfo

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// negativeCacheDuration mirrors kNegativeCacheDurationSec: a failed probe is
// remembered for this long before being retried.
const negativeCacheDuration = 10 * time.Minute

// Info is one probed compiler's identity.
type Info struct {
	CompilerPath string    `json:"compiler_path"`
	Version      string    `json:"version"`
	Target       string    `json:"target"`
	ProbedAt     time.Time `json:"probed_at"`
}

type negativeEntry struct {
	err    error
	probed time.Time
}

// Prober executes a local compiler to discover its identity.
type Prober interface {
	Probe(ctx context.Context, compilerPath string, extraFlags []string) (Info, error)
}

// Cache is the process-wide CompilerInfo table, analogous to
// CompilerInfoCache: in-memory lookups keyed on compiler path + flags,
// optional JSON persistence to a cache file, negative caching of failures.
type Cache struct {
	mu        sync.RWMutex
	table     map[string]Info
	negatives map[string]negativeEntry
	disabled  map[string]error
	prober    Prober

	cacheFile string
	watcher   *fsnotify.Watcher
	log       *logrus.Entry
}

func key(compilerPath string, extraFlags []string) string {
	return compilerPath + " " + strings.Join(extraFlags, " ")
}

// New builds a Cache; cacheFile may be empty to disable persistence, just
// like CompilerInfoCache::Key::cache_file_.Enabled() being false.
func New(prober Prober, cacheFile string, log *logrus.Entry) *Cache {
	c := &Cache{
		table:     make(map[string]Info),
		negatives: make(map[string]negativeEntry),
		disabled:  make(map[string]error),
		prober:    prober,
		cacheFile: cacheFile,
		log:       log,
	}
	if cacheFile != "" {
		c.load()
		c.watchCacheFile()
	}
	return c
}

// Lookup returns a cached Info, probing (and caching the result, positive
// or negative) on a miss.
func (c *Cache) Lookup(ctx context.Context, compilerPath string, extraFlags []string) (Info, error) {
	k := key(compilerPath, extraFlags)

	c.mu.RLock()
	if err, ok := c.disabled[compilerPath]; ok {
		c.mu.RUnlock()
		return Info{}, err
	}
	if info, ok := c.table[k]; ok {
		c.mu.RUnlock()
		return info, nil
	}
	if neg, ok := c.negatives[k]; ok && time.Since(neg.probed) < negativeCacheDuration {
		c.mu.RUnlock()
		return Info{}, neg.err
	}
	c.mu.RUnlock()

	info, err := c.prober.Probe(ctx, compilerPath, extraFlags)

	c.mu.Lock()
	if err != nil {
		c.negatives[k] = negativeEntry{err: err, probed: time.Now()}
	} else {
		info.ProbedAt = time.Now()
		c.table[k] = info
		delete(c.negatives, k)
	}
	c.mu.Unlock()

	if err != nil {
		return Info{}, err
	}
	if c.cacheFile != "" {
		_ = c.save()
	}
	return info, nil
}

// Drop evicts a single entry, positive or negative, so the next Lookup for
// that compiler path and flags probes again.
func (c *Cache) Drop(compilerPath string, extraFlags []string) {
	k := key(compilerPath, extraFlags)
	c.mu.Lock()
	delete(c.table, k)
	delete(c.negatives, k)
	c.mu.Unlock()
}

// Disable marks compilerPath as permanently failing every future Lookup
// with reason, regardless of extraFlags: used when a hermetic
// CommandSpecMismatch is detected, so every task sharing this compiler
// stops attempting a remote compile until the daemon restarts.
func (c *Cache) Disable(compilerPath string, reason error) {
	c.mu.Lock()
	c.disabled[compilerPath] = reason
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}

func (c *Cache) save() error {
	c.mu.RLock()
	snapshot := make([]Info, 0, len(c.table))
	for _, info := range c.table {
		snapshot = append(snapshot, info)
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal compiler info cache")
	}
	if err := os.MkdirAll(filepath.Dir(c.cacheFile), 0o755); err != nil {
		return errors.Wrap(err, "mkdir compiler info cache dir")
	}
	return os.WriteFile(c.cacheFile, data, 0o644)
}

func (c *Cache) load() {
	data, err := os.ReadFile(c.cacheFile)
	if err != nil {
		return
	}
	var snapshot []Info
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("compiler info cache file is corrupt, ignoring")
		}
		return
	}
	c.mu.Lock()
	for _, info := range snapshot {
		c.table[key(info.CompilerPath, nil)] = info
	}
	c.mu.Unlock()
}

// watchCacheFile reloads the cache whenever the cache file is written or
// created on disk, for example by a second daemon sharing the same file.
func (c *Cache) watchCacheFile() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("compiler info cache: fsnotify unavailable")
		}
		return
	}
	if err := w.Add(filepath.Dir(c.cacheFile)); err != nil {
		_ = w.Close()
		return
	}
	c.watcher = w
	go func() {
		for event := range w.Events {
			if event.Name == c.cacheFile && (event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				c.load()
			}
		}
	}()
}

func (c *Cache) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// DefaultProber shells out to the compiler with a version-printing flag,
// invoking gcc/clang/cl.exe once and parsing stdout.
type DefaultProber struct{}

func (DefaultProber) Probe(ctx context.Context, compilerPath string, extraFlags []string) (Info, error) {
	versionFlag := "--version"
	if base := filepath.Base(compilerPath); strings.EqualFold(base, "cl.exe") || strings.EqualFold(base, "cl") {
		versionFlag = "/?"
	}

	cmd := exec.CommandContext(ctx, compilerPath, append([]string{versionFlag}, extraFlags...)...)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, errors.Wrapf(err, "probe compiler %s", compilerPath)
	}

	firstLine := string(out)
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	return Info{
		CompilerPath: compilerPath,
		Version:      strings.TrimSpace(firstLine),
		Target:       runtimeTarget(),
	}, nil
}

func runtimeTarget() string {
	return os.Getenv("GOMACC_TARGET_TRIPLE")
}
