// Package commit implements output download and commit: for each expected
// output, stage it (in-memory, tmpfile, or direct), then atomically
// install it under its final name with the timestamp/mode semantics
// downstream build tools expect. Staging follows a small policy matrix, and
// the final install goes through a rename-with-delete retry plus an
// optional COFF timestamp rewrite for reproducible MSVC builds.
package commit

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

// StagingMode is OutputFileInfo's staging_mode.
type StagingMode int

const (
	StageDirectWrite StagingMode = iota
	StageInMemory
	StageTmpThenRename
)

// IsTmp reports whether this staging mode stages through a temp file,
// needed by callers (e.g. verify_output) that must locate the staged bytes
// before Commit renames them into place.
func (m StagingMode) IsTmp() bool { return m == StageTmpThenRename }

// OutputFile is one expected output of one task.
type OutputFile struct {
	Filename string
	Mode     os.FileMode
	SizeHint int64
	Staging  StagingMode

	buffer  []byte // borrowed from BufferPool iff Staging == StageInMemory
	tmpPath string
	HashKey common.SHA256
}

// TmpPath exposes the temp-staged path for a StageTmpThenRename output, so
// verify_output can byte-compare it before Commit renames it into place.
func (of *OutputFile) TmpPath() string { return of.tmpPath }

// BufferPool is the process-wide in-memory output buffer budget, implemented with
// golang.org/x/sync/semaphore so admission is a simple TryAcquire instead of
// a hand-rolled CAS loop.
type BufferPool struct {
	sem *semaphore.Weighted
}

func NewBufferPool(budgetBytes int64) *BufferPool {
	return &BufferPool{sem: semaphore.NewWeighted(budgetBytes)}
}

// TryAdmit attempts to reserve sizeBytes from the budget; false means the
// output is not staged in memory, and DecideStaging picks tmpfile or
// direct-write staging by its remaining rules.
func (p *BufferPool) TryAdmit(sizeBytes int64) bool {
	if sizeBytes <= 0 {
		return p.sem.TryAcquire(1)
	}
	return p.sem.TryAcquire(sizeBytes)
}

func (p *BufferPool) Release(sizeBytes int64) {
	if sizeBytes <= 0 {
		sizeBytes = 1
	}
	p.sem.Release(sizeBytes)
}

// DecideStaging implements FileResponse staging policy.
func DecideStaging(wantInMemory bool, pool *BufferPool, sizeHint int64, localSubprocessRunning bool, verifyOutput bool, execFailed bool) StagingMode {
	if wantInMemory && pool.TryAdmit(sizeHint) {
		return StageInMemory
	}
	if localSubprocessRunning || verifyOutput || execFailed {
		return StageTmpThenRename
	}
	return StageDirectWrite
}

// Download fetches one output via the staging policy already assigned to
// it, filling of.buffer or of.tmpPath as appropriate.
func Download(dl transport.Downloader, desc transport.OutputDescriptor, of *OutputFile, taskID uint32) error {
	switch of.Staging {
	case StageInMemory:
		buf, err := dl.DownloadInBuffer(desc)
		if err != nil {
			return errors.Wrapf(err, "download %s in-memory", of.Filename)
		}
		of.buffer = buf
		return nil

	case StageTmpThenRename:
		tmpFile, tmpPath, err := common.OpenTempFileForTask(of.Filename, taskID)
		if err != nil {
			return errors.Wrapf(err, "open tmp for %s", of.Filename)
		}
		defer tmpFile.Close()
		if err := dl.Download(desc, tmpPath, uint32(of.Mode)); err != nil {
			_ = os.Remove(tmpPath)
			return errors.Wrapf(err, "download %s to tmp", of.Filename)
		}
		of.tmpPath = tmpPath
		return nil

	default: // StageDirectWrite
		if err := dl.Download(desc, of.Filename, uint32(of.Mode)); err != nil {
			return errors.Wrapf(err, "download %s direct", of.Filename)
		}
		return nil
	}
}

// VerifyAgainstLocal byte-compares a staged-to-tmp remote output against a
// local compiler's output, 1KiB at a time, returning the first differing
// offset on mismatch.
func VerifyAgainstLocal(remotePath string, localContent []byte) error {
	remote, err := os.Open(remotePath)
	if err != nil {
		return err
	}
	defer remote.Close()

	buf := make([]byte, 1024)
	offset := 0
	for {
		n, rerr := remote.Read(buf)
		if n > 0 {
			end := offset + n
			if end > len(localContent) {
				return errors.Errorf("output size mismatch: local shorter at offset %d", len(localContent))
			}
			if !bytes.Equal(buf[:n], localContent[offset:end]) {
				for i := 0; i < n; i++ {
					if buf[i] != localContent[offset+i] {
						return errors.Errorf("output mismatch at offset %d", offset+i)
					}
				}
			}
			offset = end
		}
		if rerr != nil {
			break
		}
	}
	if offset != len(localContent) {
		return errors.Errorf("output size mismatch: remote shorter at offset %d", offset)
	}
	return nil
}

// Commit materializes one staged output under its final name: no partially written output remains
// under the final name once Commit returns an error-free result for that
// output.
func Commit(of *OutputFile, pool *BufferPool, renameCfg common.RetryConfig) error {
	defer func() {
		if of.Staging == StageInMemory && of.buffer != nil {
			pool.Release(int64(len(of.buffer)))
			of.buffer = nil
		}
	}()

	switch of.Staging {
	case StageInMemory:
		_ = os.Remove(of.Filename)
		return os.WriteFile(of.Filename, of.buffer, of.Mode)

	case StageTmpThenRename:
		return renameWithDeleteRetry(of.tmpPath, of.Filename, renameCfg)

	default:
		return nil
	}
}

// ClearOutputFile discards a staged output without installing it (used on
// verify-output mismatch, exec failure, or cancellation).
func ClearOutputFile(of *OutputFile, pool *BufferPool) {
	if of.Staging == StageInMemory && of.buffer != nil {
		pool.Release(int64(len(of.buffer)))
		of.buffer = nil
	}
	if of.tmpPath != "" {
		_ = os.Remove(of.tmpPath)
	}
}
