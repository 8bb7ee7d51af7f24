package engine

import "sync"

// LinkingQueue serializes the file-request phase for link-mode tasks:
// exactly one link task may be in FILE_REQ at a time. Implemented as a
// simple FIFO of waiter channels guarded by one mutex.
type LinkingQueue struct {
	mu      sync.Mutex
	running bool
	waiters []chan struct{}
}

func NewLinkingQueue() *LinkingQueue {
	return &LinkingQueue{}
}

// Enter blocks (optionally honoring cancel) until this task is at the head
// of the queue, then marks it running.
func (q *LinkingQueue) Enter(cancel <-chan struct{}) bool {
	q.mu.Lock()
	if !q.running {
		q.running = true
		q.mu.Unlock()
		return true
	}
	wait := make(chan struct{})
	q.waiters = append(q.waiters, wait)
	q.mu.Unlock()

	select {
	case <-wait:
		return true
	case <-cancel:
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == wait {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return false
			}
		}
		q.mu.Unlock()
		// A concurrent Leave already popped and woke this waiter, handing it
		// the running slot, right as it gave up on cancel. Since it will
		// never call Leave itself, hand the slot on immediately instead of
		// stalling every later waiter forever.
		q.Leave()
		return false
	}
}

// Leave pops the current head and wakes the next waiter, if any.
func (q *LinkingQueue) Leave() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.running = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
