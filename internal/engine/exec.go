package engine

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

// CallExec sends the request, launches a deferred local subprocess for
// heavy tasks if it hasn't started yet, then classifies the outcome once
// the remote responds.
func (t *Task) CallExec() {
	if t.checkCanceled() {
		return
	}
	if t.engine.ShouldStopGoma(t, StateCallExec) {
		t.finishLocalOnly()
		return
	}
	t.setState(StateCallExec)
	t.execRetryCount++

	if t.weight == WeightHeavy && t.localAllowed && !t.localHasStarted() {
		t.startLocal()
	}

	req := t.buildExecRequest()
	t.engine.Transport.ExecAsync(req, func(resp transport.ExecResponse, status transport.ExecStatus) {
		t.engine.Pool.RunClosureInThread(int(t.id), func() {
			t.onExecDone(resp, status)
		})
	})
}

func (t *Task) buildExecRequest() transport.ExecRequest {
	req := transport.ExecRequest{
		SessionID:  t.id,
		ClientID:   t.traceID,
		CxxName:    t.parsed.CompilerName,
		CxxArgs:    t.parsed.Args,
		Embedded:   make(map[string][]byte),
		InputFile:  t.parsed.InputAbs(t.cwd),
		OutputFile: t.parsed.OutputFile,
	}
	if req.OutputFile != "" && !filepath.IsAbs(req.OutputFile) {
		req.OutputFile = filepath.Join(t.cwd, req.OutputFile)
	}
	for _, slot := range t.inputs {
		req.RequiredFiles = append(req.RequiredFiles, transport.RequiredFile{Filename: slot.absPath, HashKey: slot.hashKey})
		if slot.embedded != nil {
			req.Embedded[slot.absPath] = slot.embedded
		}
	}
	return req
}

func (t *Task) onExecDone(resp transport.ExecResponse, status transport.ExecStatus) {
	t.remoteResp = resp
	t.remoteStatus = status

	if len(resp.MissingInputs) > 0 {
		t.handleMissingInputs(resp.MissingInputs)
		return
	}

	if resp.SpecMismatch && t.engine.Config.CheckLevel != config.CheckLevelNone {
		t.handleSpecMismatch(resp)
		return
	}

	if status.Err != nil {
		if status.ErrCode == transport.ErrBadRequest {
			t.finishRemoteFailed(status)
			return
		}
		if status.IsRetryable() && t.execRetryCount < t.engine.Config.MaxExecRetry {
			t.engine.markRemoteFailure(t.parsed.InputAbs(t.cwd))
			t.CallExec()
			return
		}
		t.finishRemoteFailed(status)
		return
	}

	// A clean response means this attempt had zero missing inputs: undo any
	// always-embed mode a prior attempt on this task tripped.
	t.engine.Coordinator.SetSendOldContentAlways(false)
	t.FileResponse()
}

// handleMissingInputs reacts to the server reporting missing inputs: once
// the retry budget is spent it fails the remote attempt; otherwise it turns
// the process-wide always-embed mode on when more than half of this task's
// inputs were missing (and off otherwise), records each missing file in the
// hash cache, and retries FileRequest with those files forced to embed.
func (t *Task) handleMissingInputs(missing []string) {
	t.logTaskError(KindMissingInputs, errors.Errorf("server reported %d missing input(s)", len(missing)))

	if t.execRetryCount >= t.engine.Config.MaxExecRetry {
		t.finishRemoteFailed(t.remoteStatus)
		return
	}

	fraction := float64(len(missing)) / float64(maxInt(1, len(t.inputs)))
	t.engine.Coordinator.SetSendOldContentAlways(fraction > 0.5)

	now := time.Now()
	forceEmbed := make(map[string]bool, len(missing))
	for _, f := range missing {
		forceEmbed[f] = true
		t.engine.HashCache.RecordMissing(f, now)
	}
	t.retryFileRequest(forceEmbed)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (t *Task) finishRemoteFailed(status transport.ExecStatus) {
	msg := "remote compile failed"
	if status.ErrMessage != "" {
		msg = status.ErrMessage
	}
	te := t.logTaskError(KindRemoteExecError, errors.New(msg))

	if t.localAllowed {
		if !t.localHasStarted() {
			t.startLocal()
		}
		t.finishLocalOnly()
		return
	}
	t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: " + te.Error() + "\n"), Diagnostics: []string{te.Error()}})
	t.finish(StateFinished)
}

// handleSpecMismatch reacts to the remote reporting that this compiler's
// identity (name, target, version, or binary hash) disagrees with what it
// has on record. Depending on the configured hermetic mode this either
// fails the task outright, falls back to a local compile, or logs a warning
// and accepts the remote result as-is. A fail-hard or fallback verdict also
// disables the compiler for every other task sharing the same path, so the
// whole process stops sending it to the remote until restarted.
func (t *Task) handleSpecMismatch(resp transport.ExecResponse) {
	err := errors.Errorf("compiler identity mismatch: %s", resp.SpecMismatchDetail)
	te := t.logTaskError(KindCommandSpecMismatch, err)

	switch t.engine.Config.Hermetic {
	case config.HermeticFailHard:
		if t.engine.CompilerInfoCache != nil {
			t.engine.CompilerInfoCache.Disable(t.parsed.CompilerName, te)
		}
		t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: " + te.Error() + "\n"), Diagnostics: []string{te.Error()}})
		t.finish(StateFinished)

	case config.HermeticFallbackLocal:
		if t.engine.CompilerInfoCache != nil {
			t.engine.CompilerInfoCache.Disable(t.parsed.CompilerName, te)
		}
		if t.localAllowed {
			if !t.localHasStarted() {
				t.startLocal()
			}
			t.finishLocalOnly()
			return
		}
		t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: " + te.Error() + "\n"), Diagnostics: []string{te.Error()}})
		t.finish(StateFinished)

	default: // HermeticOff: warn and accept the remote result
		t.FileResponse()
	}
}
