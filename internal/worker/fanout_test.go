package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFanOutRunsEveryItem(t *testing.T) {
	var count int32
	err := RunFanOut(context.Background(), 0, 50, func(context.Context, int) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 50, count)
}

func TestRunFanOutReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := RunFanOut(context.Background(), 0, 10, func(_ context.Context, i int) error {
		if i == 3 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestRunFanOutHonorsConcurrencyLimit(t *testing.T) {
	var inFlight, maxInFlight int32
	done := make(chan struct{})
	go func() {
		_ = RunFanOut(context.Background(), 2, 20, func(context.Context, int) error {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
					break
				}
			}
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		close(done)
	}()
	<-done
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), 2)
}

func TestRunFanOutZeroItemsReturnsNil(t *testing.T) {
	called := false
	err := RunFanOut(context.Background(), 0, 0, func(context.Context, int) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}
