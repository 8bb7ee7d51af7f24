package engine

import (
	"context"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/hashcache"
	"github.com/gomacc-proxy/gomaccd/internal/upload"
	"github.com/gomacc-proxy/gomaccd/internal/worker"
)

// FileRequest drives the FILE_REQ state: link tasks serialize through the
// LinkingQueue, then every required file is either satisfied from the
// FileHashCache or routed through the upload coordinator; on completion
// the request proceeds to CallExec.
func (t *Task) FileRequest() {
	if t.checkCanceled() {
		return
	}
	t.setState(StateFileReq)

	if t.weight == WeightHeavy {
		if !t.engine.Linking.Enter(t.reply.Closed()) {
			t.setCanceled()
			t.finish(StateFinished)
			return
		}
		defer t.engine.Linking.Leave()
	}

	_ = worker.RunFanOut(context.Background(), 0, len(t.inputs), func(_ context.Context, i int) error {
		slot := t.inputs[i]
		if !slot.missingFlag {
			if key, ok := t.lookupTrustedKey(slot.absPath); ok {
				slot.hashKey = key
				slot.haveKey = true
				return nil
			}
		}

		done := make(chan struct{})
		stat := hashcache.StatFile(slot.absPath)
		t.engine.Coordinator.RequestUpload(slot.absPath, stat, upload.Policy{
			MissingOnServer: slot.missingFlag,
			Linking:         t.weight == WeightHeavy,
		}, upload.Subscription{
			TaskID:    t.id,
			InputSlot: i,
			Notify: func(res upload.Result) {
				if res.Success {
					slot.hashKey = res.HashKey
					slot.haveKey = true
					if res.Embed {
						slot.embedded = res.Content
					}
				} else {
					t.engine.markRemoteFailure(slot.absPath)
					slot.missingFlag = true
				}
				close(done)
			},
		})
		<-done
		return nil
	})

	t.engine.Pool.RunClosureInThread(int(t.id), func() {
		t.CallExec()
	})
}

// lookupTrustedKey consults the FileHashCache; a miss means FileRequest must
// route the file through the upload coordinator instead.
func (t *Task) lookupTrustedKey(absPath string) (common.SHA256, bool) {
	stat := hashcache.StatFile(absPath)
	return t.engine.HashCache.Lookup(absPath, stat)
}

// retryFileRequest re-enters FileRequest for the missing-input retry path,
// bounded by MaxExecRetry.
func (t *Task) retryFileRequest(forceEmbedFilenames map[string]bool) {
	for _, slot := range t.inputs {
		if forceEmbedFilenames[slot.absPath] {
			slot.haveKey = false
			slot.missingFlag = true
		}
	}
	t.FileRequest()
}
