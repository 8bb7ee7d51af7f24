package commit

import (
	"context"
	"os"
	"runtime"

	"github.com/gomacc-proxy/gomaccd/internal/common"
)

// renameWithDeleteRetry installs tmpPath as finalPath. On POSIX, rename is
// already atomic and never needs a retry. On Windows, another process can
// transiently hold finalPath open, so a failed rename is retried with
// exponential backoff, deleting the destination between attempts.
func renameWithDeleteRetry(tmpPath, finalPath string, cfg common.RetryConfig) error {
	if runtime.GOOS != "windows" {
		defer os.Remove(tmpPath)
		return os.Rename(tmpPath, finalPath)
	}

	err := common.Retry(context.Background(), cfg, func(attempt int) error {
		if attempt > 0 {
			_ = os.Remove(finalPath)
		}
		return os.Rename(tmpPath, finalPath)
	}, func(error) bool { return true })

	_ = os.Remove(tmpPath)
	return err
}
