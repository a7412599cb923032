package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStats(t *testing.T) {
	stats := NewSessionStats()

	stats.RecordPublish("direct", QoSAtLeastOnce, true)
	stats.RecordPublish("direct", QoSAtLeastOnce, true)
	stats.RecordPublish("chat", QoSAtMostOnce, false)
	stats.RecordInbound(KindDirectMessage)
	stats.RecordInbound(KindResponse)
	stats.RecordRequest(OutcomeCompleted, 10*time.Millisecond)
	stats.RecordRequest(OutcomeTimeout, time.Second)
	stats.RecordDropped("malformed")

	snap := stats.Snapshot()

	assert.Equal(t, int64(2), snap.Published["direct"])
	assert.Zero(t, snap.Published["chat"], "failed publish does not count as published")
	assert.Equal(t, int64(1), snap.PublishFailed)
	assert.Equal(t, int64(1), snap.Inbound["directMessage"])
	assert.Equal(t, int64(1), snap.Inbound["response"])
	assert.Equal(t, int64(1), snap.Requests[OutcomeCompleted])
	assert.Equal(t, int64(1), snap.Requests[OutcomeTimeout])
	assert.Equal(t, int64(1), snap.Dropped["malformed"])
}

func TestSnapshotIsACopy(t *testing.T) {
	stats := NewSessionStats()
	stats.RecordPublish("direct", QoSAtLeastOnce, true)

	snap := stats.Snapshot()
	snap.Published["direct"] = 99

	assert.Equal(t, int64(1), stats.Snapshot().Published["direct"])
}
