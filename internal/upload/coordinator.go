// Package upload implements the input upload coordinator: a process-wide,
// content-hash-keyed, deduplicated file upload pipeline enforcing at most
// one concurrent upload per absolute filename across all in-flight tasks,
// and fanning the result out to every subscriber exactly once, regardless
// of which task's request triggered the upload.
package upload

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/hashcache"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

const shardCount = 64

// Policy carries the flags the per-job algorithm branches on.
type Policy struct {
	MissingOnServer bool // caller already knows the server reported this file missing
	Linking         bool // part of a link-mode task's input set
	IsNewFile       bool // caller believes the file was just written, never seen by the server
	NeedHashOnly    bool // caller only needs the hash key, never the upload itself
	ForceEmbed      bool // config.need_to_send_content: force embedding even for old-enough files
}

// Result is delivered to every subscriber of one InputFileJob, and is
// identical for all of them.
type Result struct {
	Success bool
	HashKey common.SHA256
	Embed   bool   // true: caller must place Content inline in the exec request
	Content []byte // populated iff Embed
	Err     error
}

// Subscription identifies one (task, input slot) waiting on a job.
type Subscription struct {
	TaskID    uint32
	InputSlot int
	Notify    func(Result)
}

type jobState int

const (
	stateInit jobState = iota
	stateRun
	stateDone
)

// fileJob is one upload attempt for one absolute filename. At most one exists per filename at any instant.
type fileJob struct {
	mu          sync.Mutex
	filename    string
	stat        hashcache.FileStat
	policy      Policy
	state       jobState
	subscribers []Subscription
	result      Result
}

type shard struct {
	mu   sync.Mutex
	jobs map[string]*fileJob
}

// Coordinator is the global filename -> job index. The index is sharded
// over 64 buckets keyed by xxhash of the filename so unrelated filenames
// never contend on the same lock; the at-most-one-per-filename invariant
// still holds because a given filename always hashes to the same shard.
type Coordinator struct {
	shards    [shardCount]*shard
	hashCache *hashcache.Cache
	uploader  transport.Uploader
	cfg       config.EngineConfig

	mu                  sync.Mutex
	sendOldContentAlways bool // process-wide bit flipped by missing-input feedback
}

func New(hashCache *hashcache.Cache, uploader transport.Uploader, cfg config.EngineConfig) *Coordinator {
	c := &Coordinator{hashCache: hashCache, uploader: uploader, cfg: cfg}
	for i := range c.shards {
		c.shards[i] = &shard{jobs: make(map[string]*fileJob)}
	}
	return c
}

func (c *Coordinator) shardFor(filename string) *shard {
	return c.shards[xxhash.Sum64String(filename)%shardCount]
}

// SetSendOldContentAlways flips the process-wide "send content for old
// files" bit.
func (c *Coordinator) SetSendOldContentAlways(v bool) {
	c.mu.Lock()
	c.sendOldContentAlways = v
	c.mu.Unlock()
}

func (c *Coordinator) shouldForceEmbed(p Policy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.ForceEmbed || c.sendOldContentAlways
}

// RequestUpload ensures filename is uploaded/keyed exactly once process-wide
// and delivers the shared result to sub. If a job for filename is already
// running, sub is appended to its subscriber list and no I/O is started.
func (c *Coordinator) RequestUpload(filename string, stat hashcache.FileStat, policy Policy, sub Subscription) {
	sh := c.shardFor(filename)

	sh.mu.Lock()
	job, exists := sh.jobs[filename]
	if !exists {
		job = &fileJob{filename: filename, stat: stat, policy: policy, state: stateRun}
		sh.jobs[filename] = job
	}
	sh.mu.Unlock()

	job.mu.Lock()
	if job.state == stateDone {
		result := job.result
		job.mu.Unlock()
		sub.Notify(result)
		return
	}
	job.subscribers = append(job.subscribers, sub)
	isFirstCaller := !exists
	job.mu.Unlock()

	if isFirstCaller {
		go c.run(sh, job)
	}
}

// run executes the per-job algorithm, then removes
// the job from the index BEFORE fanning results out, so a new request for
// the same filename arriving mid-fanout starts a fresh job instead of
// joining this one.
func (c *Coordinator) run(sh *shard, job *fileJob) {
	result := c.computeAndUpload(job)

	sh.mu.Lock()
	if sh.jobs[job.filename] == job {
		delete(sh.jobs, job.filename)
	}
	sh.mu.Unlock()

	job.mu.Lock()
	job.state = stateDone
	job.result = result
	subscribers := job.subscribers
	job.mu.Unlock()

	for _, sub := range subscribers {
		sub.Notify(result)
	}
}

func (c *Coordinator) computeAndUpload(job *fileJob) Result {
	policy := job.policy

	// Step 1: skip upload if the caller already trusts a cached hash.
	if cached, ok := c.hashCache.Lookup(job.filename, job.stat); ok && !policy.MissingOnServer {
		if !c.shouldForceEmbed(policy) {
			return Result{Success: true, HashKey: cached, Embed: false}
		}
	}

	// Step 2: compute the content hash.
	hashKey, err := c.uploader.ComputeKey(job.filename)
	if err != nil {
		c.hashCache.Forget(job.filename)
		return Result{Success: false, Err: errors.Wrapf(err, "hash %s", job.filename)}
	}

	fileSize := job.stat.Size
	wantsOutOfBand := policy.MissingOnServer || endsWithRsp(job.filename) ||
		fileSize > 2*1024*1024 || policy.NeedHashOnly
	forceEmbed := c.shouldForceEmbed(policy)

	switch {
	case wantsOutOfBand && !forceEmbed:
		if err := c.uploader.Upload(job.filename, hashKey); err != nil {
			return Result{Success: false, Err: errors.Wrapf(err, "upload %s", job.filename)}
		}
		c.hashCache.RecordUploaded(job.filename, job.stat, hashKey, time.Now())
		return Result{Success: true, HashKey: hashKey, Embed: false}

	default:
		// fileSize < 512B, or "otherwise", or forced embed: embed content inline.
		content, err := c.uploader.Embed(job.filename)
		if err != nil {
			return Result{Success: false, Err: errors.Wrapf(err, "embed %s", job.filename)}
		}
		// Per step 4: do NOT record embedded blobs as cache-known —
		// a retry might be routed to a cluster member without this content.
		if job.stat.Exists && time.Since(job.stat.ModAt) > c.cfg.NewFileThreshold {
			c.hashCache.RecordUploaded(job.filename, job.stat, hashKey, time.Now())
		}
		return Result{Success: true, HashKey: hashKey, Embed: true, Content: content}
	}
}

func endsWithRsp(filename string) bool {
	return len(filename) >= 4 && filename[len(filename)-4:] == ".rsp"
}
