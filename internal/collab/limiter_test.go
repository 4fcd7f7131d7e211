package collab

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsInFlightCalls(t *testing.T) {
	l := NewLimiter(2, 0)
	ctx := context.Background()

	var inFlight, peak atomic.Int64
	done := make(chan struct{})

	for i := 0; i < 6; i++ {
		go func() {
			require.NoError(t, l.Acquire(ctx))
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			l.Release()
			done <- struct{}{}
		}()
	}

	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("limiter deadlocked")
		}
	}

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1, 0)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(blocked)
	assert.Error(t, err)

	l.Release()

	// The slot is usable again after release.
	require.NoError(t, l.Acquire(ctx))
	l.Release()
}
