package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowControllerSpacing(t *testing.T) {
	t.Run("back to back sends are spaced by the minimum interval", func(t *testing.T) {
		gate := NewFlowController(100 * time.Millisecond)

		var order []int
		start := time.Now()
		for i := 0; i < 5; i++ {
			i := i
			err := gate.Gate(context.Background(), func() error {
				order = append(order, i)
				return nil
			})
			require.NoError(t, err)
		}
		elapsed := time.Since(start)

		// 5 sends with 100ms spacing wait 4 full intervals.
		assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
		assert.Less(t, elapsed, 700*time.Millisecond)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})

	t.Run("first send passes immediately", func(t *testing.T) {
		gate := NewFlowController(time.Second)

		start := time.Now()
		err := gate.Gate(context.Background(), func() error { return nil })
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("zero interval only serializes", func(t *testing.T) {
		gate := NewFlowController(0)

		start := time.Now()
		for i := 0; i < 10; i++ {
			require.NoError(t, gate.Gate(context.Background(), func() error { return nil }))
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestFlowControllerConcurrentSerialization(t *testing.T) {
	gate := NewFlowController(20 * time.Millisecond)

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Gate(context.Background(), func() error {
				mu.Lock()
				stamps = append(stamps, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 5)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 15*time.Millisecond, "sends %d and %d too close", i-1, i)
	}
}

func TestFlowControllerContextCancel(t *testing.T) {
	gate := NewFlowController(time.Second)
	require.NoError(t, gate.Gate(context.Background(), func() error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	called := false
	err := gate.Gate(ctx, func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called, "send must not run after cancellation")
}
