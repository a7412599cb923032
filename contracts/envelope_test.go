package contracts

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireFieldNames(t *testing.T) {
	t.Run("direct message serializes the interop field names", func(t *testing.T) {
		env := &Envelope{
			From:      "alice",
			To:        "bob",
			Message:   "hello",
			Timestamp: 1717430000123,
			MessageID: "msg_1",
		}

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &fields))

		assert.Equal(t, "alice", fields["from"])
		assert.Equal(t, "bob", fields["to"])
		assert.Equal(t, "hello", fields["message"])
		assert.Equal(t, "msg_1", fields["messageId"])
		assert.NotContains(t, fields, "room")
		assert.NotContains(t, fields, "data")
		assert.NotContains(t, fields, "correlationId")
	})

	t.Run("response carries correlationId in the body", func(t *testing.T) {
		env := &Envelope{
			From:          "bob",
			Data:          json.RawMessage(`{"status":"ok"}`),
			Timestamp:     1,
			CorrelationID: "req_1_1",
		}

		data, err := json.Marshal(env)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"correlationId":"req_1_1"`)
	})
}

func TestNewStatusUpdate(t *testing.T) {
	st := NewStatusUpdate("alice", StatusOnline)

	assert.Equal(t, "alice", st.Username)
	assert.Equal(t, StatusOnline, st.Status)
	assert.NotZero(t, st.Timestamp)
	assert.Empty(t, st.Reason)
}

func TestIDGenerator(t *testing.T) {
	t.Run("ids carry the class prefix", func(t *testing.T) {
		var gen IDGenerator
		id := gen.Next("msg")
		assert.Regexp(t, `^msg_\d+_\d+_[0-9a-f-]{8}$`, id)
	})

	t.Run("concurrent generation never collides", func(t *testing.T) {
		var gen IDGenerator
		const workers = 8
		const perWorker = 200

		var mu sync.Mutex
		seen := make(map[string]bool, workers*perWorker)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					id := gen.Next("req")
					mu.Lock()
					seen[id] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, workers*perWorker)
	})
}
