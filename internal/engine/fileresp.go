package engine

import (
	"context"
	"os"

	"github.com/gomacc-proxy/gomaccd/internal/commit"
	"github.com/gomacc-proxy/gomaccd/internal/worker"
)

// FileResponse picks a staging policy per output, then downloads every
// output in parallel.
func (t *Task) FileResponse() {
	if t.checkCanceled() {
		return
	}
	t.setState(StateFileResp)

	execFailed := t.remoteResp.ExitCode != 0
	localRunning := t.localHasStarted()

	t.outputs = make([]*commit.OutputFile, 0, len(t.remoteResp.Outputs))
	for _, desc := range t.remoteResp.Outputs {
		staging := commit.DecideStaging(true, t.engine.BufferPool, desc.Size, localRunning, t.verifyOutput, execFailed)
		t.outputs = append(t.outputs, &commit.OutputFile{
			Filename: desc.Filename,
			Mode:     os.FileMode(desc.Mode),
			SizeHint: desc.Size,
			Staging:  staging,
		})
	}

	t.downloadOutputsAndCommit()
}

// downloadOutputsAndCommit fans out parallel downloads, then drives
// Commit/Reply once every output has settled.
func (t *Task) downloadOutputsAndCommit() {
	err := worker.RunFanOut(context.Background(), 0, len(t.outputs), func(_ context.Context, i int) error {
		desc := t.remoteResp.Outputs[i]
		return commit.Download(t.engine.Downloader, desc, t.outputs[i], t.id)
	})

	t.engine.Pool.RunClosureInThread(int(t.id), func() {
		if err != nil {
			t.failOutputDownload(err)
			return
		}
		t.Commit()
	})
}

func (t *Task) failOutputDownload(err error) {
	te := t.logTaskError(KindOutputDownloadError, err)
	for _, of := range t.outputs {
		commit.ClearOutputFile(of, t.engine.BufferPool)
	}
	if t.localAllowed {
		if !t.localHasStarted() {
			t.startLocal()
		}
		t.finishLocalOnly()
		return
	}
	t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: output download failed: " + te.Error() + "\n"), Diagnostics: []string{te.Error()}})
	t.finish(StateFinished)
}
