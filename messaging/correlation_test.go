package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymq/parley-go/contracts"
)

type publishedRecord struct {
	topic   string
	payload []byte
	opts    PublishOptions
}

// fakeRequestTransport records publishes and subscriptions.
type fakeRequestTransport struct {
	mu           sync.Mutex
	connected    bool
	subs         []string
	published    []publishedRecord
	publishErr   error
	subscribeErr error
}

func newFakeRequestTransport() *fakeRequestTransport {
	return &fakeRequestTransport{connected: true}
}

func (f *fakeRequestTransport) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedRecord{topic: topic, payload: payload, opts: opts})
	return nil
}

func (f *fakeRequestTransport) Subscribe(ctx context.Context, filter string, qos QoSLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs = append(f.subs, filter)
	return nil
}

func (f *fakeRequestTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRequestTransport) lastPublished() publishedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func (f *fakeRequestTransport) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestCorrelatorRequest(t *testing.T) {
	t.Run("fails immediately when not connected", func(t *testing.T) {
		transport := newFakeRequestTransport()
		transport.connected = false
		cor := NewCorrelator("alice", transport)

		_, err := cor.Request(context.Background(), "bob", json.RawMessage(`{}`), time.Second)

		assert.ErrorIs(t, err, contracts.ErrNotConnected)
		assert.Zero(t, transport.publishCount())
	})

	t.Run("publishes request with out-of-band correlation metadata", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("alice", transport)

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Wait for the request to appear, then answer it.
			require.Eventually(t, func() bool { return transport.publishCount() == 1 }, time.Second, time.Millisecond)
			rec := transport.lastPublished()
			_ = cor.Resolve(rec.opts.Meta.CorrelationID, &contracts.Envelope{
				From:          "bob",
				Data:          json.RawMessage(`{"status":"ok"}`),
				CorrelationID: rec.opts.Meta.CorrelationID,
			})
		}()

		resp, err := cor.Request(context.Background(), "bob", json.RawMessage(`{"action":"ping"}`), 5*time.Second)
		<-done

		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok"}`, string(resp.Data))

		rec := transport.lastPublished()
		assert.Equal(t, "users/bob/requests", rec.topic)
		assert.Equal(t, QoSAtLeastOnce, rec.opts.QoS)
		assert.False(t, rec.opts.Retain)
		assert.True(t, strings.HasPrefix(rec.opts.Meta.ResponseTopic, "response/alice/"))
		assert.NotEmpty(t, rec.opts.Meta.CorrelationID)
		assert.Equal(t, ContentTypeJSON, rec.opts.Meta.ContentType)

		// The ephemeral response topic was subscribed before publishing.
		assert.Contains(t, transport.subs, rec.opts.Meta.ResponseTopic)

		// The envelope body carries the request id but not the response topic.
		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(rec.payload, &env))
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, "bob", env.To)
		assert.Equal(t, rec.opts.Meta.CorrelationID, env.RequestID)
		assert.NotContains(t, string(rec.payload), rec.opts.Meta.ResponseTopic)

		assert.Zero(t, cor.PendingCount())
	})

	t.Run("times out no earlier than the deadline", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("alice", transport)

		start := time.Now()
		_, err := cor.Request(context.Background(), "bob", nil, 100*time.Millisecond)
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
		assert.Zero(t, cor.PendingCount())
	})

	t.Run("subscribe failure cleans up the pending entry", func(t *testing.T) {
		transport := newFakeRequestTransport()
		transport.subscribeErr = errors.New("broker refused")
		cor := NewCorrelator("alice", transport)

		_, err := cor.Request(context.Background(), "bob", nil, time.Second)

		var terr *contracts.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "subscribe", terr.Op)
		assert.Zero(t, cor.PendingCount())
	})

	t.Run("publish failure cleans up the pending entry", func(t *testing.T) {
		transport := newFakeRequestTransport()
		transport.publishErr = errors.New("connection reset")
		cor := NewCorrelator("alice", transport)

		_, err := cor.Request(context.Background(), "bob", nil, time.Second)

		var terr *contracts.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "publish", terr.Op)
		assert.Zero(t, cor.PendingCount())
	})

	t.Run("canceled context abandons the request", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("alice", transport)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := cor.Request(ctx, "bob", nil, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, cor.PendingCount())
	})
}

func TestCorrelatorResolve(t *testing.T) {
	t.Run("unknown correlation id is discarded", func(t *testing.T) {
		cor := NewCorrelator("alice", newFakeRequestTransport())
		assert.False(t, cor.Resolve("req_999_999", &contracts.Envelope{}))
	})

	t.Run("late response after timeout is discarded", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("alice", transport)

		_, err := cor.Request(context.Background(), "bob", nil, 30*time.Millisecond)
		require.ErrorIs(t, err, contracts.ErrRequestTimeout)

		rec := transport.lastPublished()
		assert.False(t, cor.Resolve(rec.opts.Meta.CorrelationID, &contracts.Envelope{}),
			"response after expiry must not resurrect the request")
	})

	t.Run("late response does not disturb other pending requests", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("alice", transport)

		live := cor.register(time.Minute)
		defer func() {
			cor.take(live.correlationID)
			live.timer.Stop()
		}()

		assert.False(t, cor.Resolve("req_0_0", &contracts.Envelope{}))
		assert.Equal(t, 1, cor.PendingCount())
	})

	t.Run("exactly one of response and timeout wins", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("alice", transport)

		// Race the deadline against delivery repeatedly; every iteration
		// must end with exactly one outcome and an empty pending map.
		for i := 0; i < 50; i++ {
			timeout := 5 * time.Millisecond
			resultCh := make(chan error, 1)
			go func() {
				_, err := cor.Request(context.Background(), "bob", nil, timeout)
				resultCh <- err
			}()

			require.Eventually(t, func() bool { return transport.publishCount() > i }, time.Second, time.Millisecond)
			rec := transport.lastPublished()
			time.Sleep(timeout)
			delivered := cor.Resolve(rec.opts.Meta.CorrelationID, &contracts.Envelope{From: "bob"})

			err := <-resultCh
			if delivered {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
			}
			assert.Zero(t, cor.PendingCount())
		}
	})
}

func TestCorrelatorRespond(t *testing.T) {
	t.Run("fails when not connected", func(t *testing.T) {
		transport := newFakeRequestTransport()
		transport.connected = false
		cor := NewCorrelator("bob", transport)

		err := cor.Respond(context.Background(), Metadata{ResponseTopic: "response/alice/x", CorrelationID: "req_1_1"}, nil)
		assert.ErrorIs(t, err, contracts.ErrNotConnected)
	})

	t.Run("missing response topic is malformed and publishes nothing", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("bob", transport)

		err := cor.Respond(context.Background(), Metadata{CorrelationID: "req_1_1"}, nil)

		assert.ErrorIs(t, err, contracts.ErrMalformedRequest)
		assert.Zero(t, transport.publishCount())
	})

	t.Run("missing correlation id is malformed and publishes nothing", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("bob", transport)

		err := cor.Respond(context.Background(), Metadata{ResponseTopic: "response/alice/x"}, nil)

		assert.ErrorIs(t, err, contracts.ErrMalformedRequest)
		assert.Zero(t, transport.publishCount())
	})

	t.Run("publishes the response to the request's response topic", func(t *testing.T) {
		transport := newFakeRequestTransport()
		cor := NewCorrelator("bob", transport)

		meta := Metadata{ResponseTopic: "response/alice/1a2b3c4d", CorrelationID: "req_7_1717430000123"}
		err := cor.Respond(context.Background(), meta, json.RawMessage(`{"status":"ok"}`))
		require.NoError(t, err)

		rec := transport.lastPublished()
		assert.Equal(t, meta.ResponseTopic, rec.topic)
		assert.Equal(t, QoSAtLeastOnce, rec.opts.QoS)
		assert.False(t, rec.opts.Retain, "responses are never retained")
		assert.Equal(t, meta.CorrelationID, rec.opts.Meta.CorrelationID)

		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(rec.payload, &env))
		assert.Equal(t, "bob", env.From)
		assert.Equal(t, meta.CorrelationID, env.CorrelationID)
	})
}

func TestCorrelatorIDGeneration(t *testing.T) {
	t.Run("live correlation ids never collide", func(t *testing.T) {
		cor := NewCorrelator("alice", newFakeRequestTransport())

		seen := make(map[string]bool)
		var regs []*pendingRequest
		for i := 0; i < 500; i++ {
			pr := cor.register(time.Minute)
			assert.False(t, seen[pr.correlationID], "duplicate id %s", pr.correlationID)
			seen[pr.correlationID] = true
			regs = append(regs, pr)
		}
		assert.Equal(t, 500, cor.PendingCount())

		for _, pr := range regs {
			pr.timer.Stop()
			cor.take(pr.correlationID)
		}
		assert.Zero(t, cor.PendingCount())
	})

	t.Run("ephemeral response topics are per call", func(t *testing.T) {
		cor := NewCorrelator("alice", newFakeRequestTransport())

		a := cor.register(time.Minute)
		b := cor.register(time.Minute)
		defer func() {
			for _, pr := range []*pendingRequest{a, b} {
				pr.timer.Stop()
				cor.take(pr.correlationID)
			}
		}()

		assert.NotEqual(t, a.responseTopic, b.responseTopic)
		assert.True(t, strings.HasPrefix(a.responseTopic, "response/alice/"))
	})
}

func TestCorrelatorWithSendGate(t *testing.T) {
	transport := newFakeRequestTransport()
	gate := NewFlowController(50 * time.Millisecond)
	cor := NewCorrelator("bob", transport, WithSendGate(gate))

	start := time.Now()
	for i := 0; i < 3; i++ {
		meta := Metadata{ResponseTopic: "response/alice/x", CorrelationID: fmt.Sprintf("req_%d_1", i)}
		require.NoError(t, cor.Respond(context.Background(), meta, nil))
	}

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 3, transport.publishCount())
}
