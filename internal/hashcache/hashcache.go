// Package hashcache implements the file-stat/hash cache: a process-wide
// memoization table from absolute filename to the last known content
// hash, keyed on a file-stat snapshot so a stale hash is never returned
// for a file that has since changed. A single mutex guards the map, in
// keeping with this module's other process-wide tables.
package hashcache

import (
	"os"
	"sync"
	"time"

	"github.com/gomacc-proxy/gomaccd/internal/common"
)

// FileStat is the identity of a file at the moment a hash was computed:
// existence, mtime (full precision) and size. Two FileStats are equal iff
// the file has not observably changed.
type FileStat struct {
	Exists bool
	ModAt  time.Time
	Size   int64
}

func StatFile(absPath string) FileStat {
	info, err := os.Stat(absPath)
	if err != nil {
		return FileStat{}
	}
	return FileStat{Exists: true, ModAt: info.ModTime(), Size: info.Size()}
}

type entry struct {
	stat           FileStat
	hashKey        common.SHA256
	uploadedAt     time.Time // zero if never uploaded out-of-band
	lastMissingAt  time.Time // last time the server reported this file missing, zero if never
}

// Cache is the process-wide filename -> entry table. Writes are
// serialized by a single lock; reads take the same lock but only for the
// duration of a map lookup plus a FileStat comparison.
type Cache struct {
	mu            sync.Mutex
	table         map[string]entry
	newFileThresh time.Duration
}

func New(newFileThreshold time.Duration) *Cache {
	return &Cache{
		table:         make(map[string]entry, 4096),
		newFileThresh: newFileThreshold,
	}
}

// Lookup returns a trusted (hashKey, true) only when the stored stat equals
// the current stat AND either the blob was uploaded after the last
// known-missing event for this file, or the file is old enough that the
// server is assumed to already have it.
func (c *Cache) Lookup(absPath string, currentStat FileStat) (common.SHA256, bool) {
	c.mu.Lock()
	e, ok := c.table[absPath]
	c.mu.Unlock()

	if !ok || e.stat != currentStat {
		return common.SHA256{}, false
	}

	uploadedAfterMissing := !e.uploadedAt.IsZero() && e.uploadedAt.After(e.lastMissingAt)
	oldEnough := currentStat.Exists && time.Since(currentStat.ModAt) > c.newFileThresh
	if uploadedAfterMissing || oldEnough {
		return e.hashKey, true
	}
	return common.SHA256{}, false
}

// RecordUploaded updates the entry after a successful out-of-band upload
// or after a hash was computed for an old-enough file.
func (c *Cache) RecordUploaded(absPath string, stat FileStat, hashKey common.SHA256, when time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.table[absPath]
	e.stat = stat
	e.hashKey = hashKey
	e.uploadedAt = when
	c.table[absPath] = e
}

// RecordMissing marks that the server just reported this filename missing
// in a cluster session, invalidating any trust earned before that instant
// (used when retrying FileRequest after a MissingInputs response).
func (c *Cache) RecordMissing(absPath string, when time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.table[absPath]
	e.lastMissingAt = when
	c.table[absPath] = e
}

// Forget drops any memoized entry (used when a hash computation fails, so a
// stale trusted entry never outlives the file it described).
func (c *Cache) Forget(absPath string) {
	c.mu.Lock()
	delete(c.table, absPath)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}
