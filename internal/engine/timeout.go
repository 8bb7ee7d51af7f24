package engine

import (
	"fmt"
	"time"

	"github.com/gomacc-proxy/gomaccd/internal/registry"
	"github.com/gomacc-proxy/gomaccd/internal/worker"
)

// ForceInterrupt recovers a task that has stalled past the 900s watchdog
// identically to a client cancellation: no Reply is sent, any local
// subprocess is killed, and the task is freed.
func (t *Task) ForceInterrupt(reason error) {
	t.logTaskError(KindTimeout, reason)
	t.setCanceled()
	t.setAbort()
	t.killLocal()
	t.finish(StateFinished)
}

// WatchStalledTasks registers a periodic scan that force-interrupts any
// task stalled past its timeout, driven by the worker Pool's
// periodic-closure facility instead of a bespoke ticker goroutine.
func (e *Engine) WatchStalledTasks() *worker.PeriodicClosure {
	return e.Pool.RegisterPeriodicClosure(10*time.Second, e.scanStalledTasks)
}

// scanStalledTasks force-interrupts every non-terminal task older than
// ForceInterruptTimeout. Split out of WatchStalledTasks so it can be driven
// directly without waiting on the periodic closure's own interval.
func (e *Engine) scanStalledTasks() {
	timeout := e.Config.ForceInterruptTimeout
	if timeout <= 0 {
		timeout = 900 * time.Second
	}
	e.Registry.Each(func(id uint32, rt registry.Task) {
		t, ok := rt.(*Task)
		if !ok {
			return
		}
		if t.State() == StateFinished || t.State() == StateLocalFinished {
			return
		}
		if time.Since(t.createdAt) > timeout {
			t.ForceInterrupt(errTimedOut(id, timeout))
		}
	})
}

func errTimedOut(id uint32, timeout time.Duration) error {
	return fmt.Errorf("task %d timed out after %s", id, timeout)
}
