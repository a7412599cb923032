package messaging

import (
	"context"
	"sync"
	"time"
)

// FlowController serializes outbound sends through a minimum-interval gate.
// It is strict minimum spacing, not a token bucket: bursts beyond the
// instantaneous rate queue behind the gate and drain one send per interval,
// in submission order, never dropped. One controller gates all sends of a
// session regardless of destination.
type FlowController struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastSend    time.Time
}

// NewFlowController creates a gate enforcing minInterval between sends.
// A zero or negative interval disables the gate but keeps serialization.
func NewFlowController(minInterval time.Duration) *FlowController {
	return &FlowController{minInterval: minInterval}
}

// Gate blocks until at least the minimum interval has elapsed since the
// previous gated send, then invokes send. A canceled context abandons the
// wait without consuming the send slot.
func (f *FlowController) Gate(ctx context.Context, send func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.minInterval > 0 && !f.lastSend.IsZero() {
		if wait := f.minInterval - time.Since(f.lastSend); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	f.lastSend = time.Now()
	return send()
}
