package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func TestLinkingQueueFirstEnterRunsImmediately(t *testing.T) {
	q := NewLinkingQueue()
	entered := q.Enter(nil)
	assert.True(t, entered)
}

func TestLinkingQueueSerializesWaiters(t *testing.T) {
	q := NewLinkingQueue()
	require.True(t, q.Enter(nil))

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Enter(nil) {
				order <- i
				q.Leave()
			}
		}()
	}

	// Give every goroutine a chance to enqueue before releasing the head.
	time.Sleep(20 * time.Millisecond)
	q.Leave()

	wg.Wait()
	close(order)
	count := 0
	for range order {
		count++
	}
	assert.Equal(t, n, count, "every waiter must eventually run exactly once")
}

func TestLinkingQueueCancelWhileWaiting(t *testing.T) {
	q := NewLinkingQueue()
	require.True(t, q.Enter(nil))

	cancel := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		done <- q.Enter(cancel)
	}()

	time.Sleep(10 * time.Millisecond)
	close(cancel)

	entered := <-done
	assert.False(t, entered, "a canceled waiter must not report entering")

	q.Leave()
}

func TestLinkingQueueLeaveWithNoWaitersResetsRunning(t *testing.T) {
	q := NewLinkingQueue()
	require.True(t, q.Enter(nil))
	q.Leave()

	// The queue must accept a fresh head immediately.
	assert.True(t, q.Enter(nil))
}
