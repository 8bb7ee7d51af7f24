package engine

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync/atomic"
)

// runLocally executes the original command line as a subprocess: Dir set
// to the invocation's cwd, stdout/stderr captured into buffers, and Err set
// to the Go error when the process never ran and wrote no stderr (covers
// "binary not found"; replyFromLocal turns Err into the diagnostic instead
// of replying with an empty stderr). onStart
// receives the *exec.Cmd once started so the caller can record it for
// ForceInterrupt.
func runLocally(cwd string, argv []string, onStart func(*exec.Cmd)) LocalResult {
	if len(argv) == 0 {
		return LocalResult{Err: fmt.Errorf("empty command line")}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return LocalResult{ExitCode: -1, Err: err}
	}
	onStart(cmd)
	err := cmd.Wait()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	res := LocalResult{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if len(res.Stderr) == 0 && err != nil && exitCode < 0 {
		// process never ran at all (lookup failure, permissions, ...): this is
		// a proxy-internal fault, not a compile failure.
		res.Err = err
	}
	return res
}

// startLocal launches the local subprocess in the background exactly once
// per task. Safe to call from multiple decision points because
// of the CompareAndSwap guard.
func (t *Task) startLocal() {
	if !atomic.CompareAndSwapInt32(&t.localStarted, 0, 1) {
		return
	}
	t.engine.incPendingLocal()
	go func() {
		defer t.engine.decPendingLocal()
		res := runLocally(t.cwd, t.argv, func(cmd *exec.Cmd) {
			t.mu.Lock()
			t.localCmd = cmd
			t.mu.Unlock()
		})
		t.mu.Lock()
		t.localResult = &res
		t.mu.Unlock()
		close(t.localDone)
	}()
}

// killLocal terminates a running local subprocess; a no-op if local hasn't started or has
// already finished.
func (t *Task) killLocal() {
	t.mu.Lock()
	cmd := t.localCmd
	t.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (t *Task) localHasStarted() bool {
	return atomic.LoadInt32(&t.localStarted) == 1
}

// waitLocal blocks until the local subprocess (if started) finishes.
func (t *Task) waitLocal() *LocalResult {
	if !t.localHasStarted() {
		return nil
	}
	<-t.localDone
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localResult
}

// tryLocalResult returns the local result without blocking, for the racing
// logic in CallExec/FileResponse to poll "did local already win".
func (t *Task) tryLocalResult() (*LocalResult, bool) {
	select {
	case <-t.localDone:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.localResult, true
	default:
		return nil, false
	}
}

// localWon reports whether the local subprocess has already finished with a
// usable (non-environment-error) result, meaning it has won the race against
// the remote attempt from this point on.
func (t *Task) localWon() bool {
	res, ok := t.tryLocalResult()
	return ok && res != nil && res.Err == nil
}
