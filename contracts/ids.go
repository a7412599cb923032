package contracts

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator issues identifiers unique within the process for the life of
// the process. Each ID composes a monotonic counter, wall-clock millis and
// a random suffix; any one component alone could collide, the composition
// will not. The zero value is ready to use.
type IDGenerator struct {
	counter atomic.Uint64
}

// Next returns a fresh identifier with the given class prefix, e.g.
// "msg_1717430000123_17_1a2b3c4d".
func (g *IDGenerator) Next(prefix string) string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s_%d_%d_%s", prefix, time.Now().UnixMilli(), n, uuid.NewString()[:8])
}
