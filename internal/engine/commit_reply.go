package engine

import (
	"os"
	"strings"
	"time"

	"github.com/gomacc-proxy/gomaccd/internal/commit"
	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/flags"
	"github.com/gomacc-proxy/gomaccd/internal/hashcache"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

// Commit materializes every output, optionally verifies against a local
// run, rewrites COFF timestamps, and publishes hashes to the FileHashCache
// for future link tasks.
func (t *Task) Commit() {
	if t.verifyOutput {
		if localRes, ok := t.tryLocalResult(); ok && localRes != nil && localRes.Err == nil {
			if err := t.verifyOutputsAgainstLocal(); err != nil {
				t.replyWith(Reply{ExitCode: 1, Stderr: []byte(err.Error() + "\n"), Diagnostics: []string{err.Error()}})
				t.finish(StateFinished)
				return
			}
		}
	}

	execFailed := t.remoteResp.ExitCode != 0
	for i, of := range t.outputs {
		if !execFailed && strings.HasSuffix(of.Filename, ".obj") {
			isClExeCompatible := t.parsed.Family == flags.FamilyMSVC
			fromCache := t.remoteResp.CacheHit != transport.CacheMiss && t.remoteResp.CacheHit != transport.CacheUnknown
			if err := commit.RewriteCOFFTimestamp(of.Filename, isClExeCompatible, fromCache, t.parsed.ReproducibleBuild); err != nil {
				t.engine.Log.WithError(err).Warn("COFF timestamp rewrite failed")
			}
		}
		if err := commit.Commit(of, t.engine.BufferPool, t.engine.renameCfg); err != nil {
			t.failCommit(i, err)
			return
		}
		if key, err := common.GetFileSHA256(of.Filename); err == nil {
			of.HashKey = key
			t.engine.HashCache.RecordUploaded(of.Filename, hashcache.StatFile(of.Filename), key, time.Now())
		}
	}

	t.Reply()
}

func (t *Task) failCommit(fromIdx int, err error) {
	te := t.logTaskError(KindOutputCommitError, err)
	for i := fromIdx; i < len(t.outputs); i++ {
		commit.ClearOutputFile(t.outputs[i], t.engine.BufferPool)
	}
	t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: " + te.Error() + "\n"), Diagnostics: []string{te.Error()}})
	t.finish(StateFinished)
}

// verifyOutputsAgainstLocal implements the verify_output mode: each
// tmp-staged remote output is byte-compared against the corresponding
// path the local compiler just wrote (the same final filename, since the
// local subprocess ran the original, unmodified command line into its
// normal destination).
func (t *Task) verifyOutputsAgainstLocal() error {
	for _, of := range t.outputs {
		if of.Staging.IsTmp() {
			localContent, err := os.ReadFile(of.Filename)
			if err != nil {
				continue // local side produced no comparable file for this output
			}
			if err := commit.VerifyAgainstLocal(of.TmpPath(), localContent); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reply finalizes the IPC response, substituting local results on
// abort/local-win, then marks the reply sent.
func (t *Task) Reply() {
	if localRes, ok := t.tryLocalResult(); ok && localRes != nil && (t.IsAbort() || t.shouldPreferLocalReply()) {
		t.replyFromLocal(localRes)
		t.finish(StateFinished)
		return
	}

	t.replyWith(Reply{
		ExitCode: t.remoteResp.ExitCode,
		Stdout:   t.remoteResp.Stdout,
		Stderr:   t.remoteResp.Stderr,
	})
	t.finish(StateFinished)
}

func (t *Task) shouldPreferLocalReply() bool {
	return t.engine.Config.DontKillSubprocess && t.localHasStarted()
}

// replyFromLocal substitutes a local result's stdout/stderr/exit code,
// suppressing the proxy's own diagnostics when both sides failed so tool
// output matches a direct invocation.
func (t *Task) replyFromLocal(res *LocalResult) {
	if res == nil {
		t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: local compile produced no result\n")})
		return
	}
	if res.Err != nil {
		te := t.logTaskError(KindLocalEnvironmentError, res.Err)
		t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: " + te.Error() + "\n"), Diagnostics: []string{te.Error()}})
		return
	}
	t.replyWith(Reply{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr})
}

// replyWith writes the single permitted Reply for this task.
func (t *Task) replyWith(r Reply) {
	if !casReplySent(t) {
		return
	}
	if t.IsCanceled() {
		return // no bytes written once canceled
	}
	_ = t.reply.SendReply(r)
}

func casReplySent(t *Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replySent != 0 {
		return false
	}
	t.replySent = 1
	return true
}

// finish transitions to a terminal state and releases the engine's
// reference once any background local-output upload and subprocess join
// have completed.
func (t *Task) finish(s State) {
	t.setState(s)
	go func() {
		t.waitLocal()
		if t.engine.Config.StoreLocalRunOutput && s == StateLocalFinished {
			t.maybeUploadLocalOutput()
		}
		t.Release()
	}()
}

func (t *Task) maybeUploadLocalOutput() {
	if t.parsed.OutputFile == "" {
		return
	}
	if key, err := t.engine.Uploader.ComputeKey(t.parsed.OutputFile); err == nil {
		if err := t.engine.Uploader.Upload(t.parsed.OutputFile, key); err == nil {
			t.engine.HashCache.RecordUploaded(t.parsed.OutputFile, hashcache.StatFile(t.parsed.OutputFile), key, time.Now())
		}
	}
}
