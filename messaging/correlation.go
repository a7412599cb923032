package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleymq/parley-go/contracts"
)

// ContentTypeJSON is the content type stamped on every envelope publish.
const ContentTypeJSON = "application/json"

// RequestTransport is the slice of transport behavior the correlator needs.
type RequestTransport interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, filter string, qos QoSLevel) error
	IsConnected() bool
}

// pendingRequest is one in-flight request awaiting its response.
type pendingRequest struct {
	correlationID string
	responseTopic string
	createdAt     time.Time
	deadline      time.Time
	timer         *time.Timer
	done          chan requestOutcome
}

type requestOutcome struct {
	envelope *contracts.Envelope
	err      error
}

// Correlator turns at-least-once pub/sub delivery into point-to-point
// request/response. It owns the map of in-flight requests keyed by
// correlation ID and guarantees each request resolves exactly once, by
// matching response or deadline expiry, whichever comes first. Removal from
// the map under the lock decides the winner; the loser finds nothing and
// gives up, so resolve and timeout can never both fire.
type Correlator struct {
	username  string
	transport RequestTransport
	gate      *FlowController
	stats     StatsCollector
	logger    *slog.Logger

	mu      sync.Mutex
	counter uint64
	pending map[string]*pendingRequest
}

// CorrelatorOption configures the Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger sets the logger.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithCorrelatorStats sets the stats collector.
func WithCorrelatorStats(stats StatsCollector) CorrelatorOption {
	return func(c *Correlator) {
		c.stats = stats
	}
}

// WithSendGate routes the correlator's publishes through a flow controller,
// sharing the session's outbound cadence.
func WithSendGate(gate *FlowController) CorrelatorOption {
	return func(c *Correlator) {
		c.gate = gate
	}
}

// NewCorrelator creates a correlator for the session owned by username.
func NewCorrelator(username string, transport RequestTransport, options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		username:  username,
		transport: transport,
		stats:     NoOpStatsCollector{},
		logger:    slog.Default(),
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Request publishes a request envelope addressed to another user and blocks
// until the response arrives, the timeout elapses, or ctx is canceled. The
// response topic and correlation ID travel as transport metadata so the
// responder can route the reply without parsing the payload.
func (c *Correlator) Request(ctx context.Context, to string, data json.RawMessage, timeout time.Duration) (*contracts.Envelope, error) {
	if !c.transport.IsConnected() {
		return nil, contracts.ErrNotConnected
	}

	pr := c.register(timeout)

	if err := c.transport.Subscribe(ctx, pr.responseTopic, QoSAtLeastOnce); err != nil {
		c.take(pr.correlationID)
		pr.timer.Stop()
		c.stats.RecordRequest(OutcomeFailed, time.Since(pr.createdAt))
		return nil, &contracts.TransportError{Op: "subscribe", Err: err}
	}

	env := &contracts.Envelope{
		From:      c.username,
		To:        to,
		Data:      data,
		Timestamp: pr.createdAt.UnixMilli(),
		RequestID: pr.correlationID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		c.take(pr.correlationID)
		pr.timer.Stop()
		c.stats.RecordRequest(OutcomeFailed, time.Since(pr.createdAt))
		return nil, fmt.Errorf("marshal request envelope: %w", err)
	}

	pubOpts := PublishOptions{
		QoS:    QoSAtLeastOnce,
		Expiry: timeout,
		Meta: Metadata{
			ResponseTopic: pr.responseTopic,
			CorrelationID: pr.correlationID,
			ContentType:   ContentTypeJSON,
		},
	}
	if err := c.send(ctx, RequestTopic(to), payload, pubOpts); err != nil {
		c.take(pr.correlationID)
		pr.timer.Stop()
		c.stats.RecordPublish("request", QoSAtLeastOnce, false)
		c.stats.RecordRequest(OutcomeFailed, time.Since(pr.createdAt))
		return nil, &contracts.TransportError{Op: "publish", Err: err}
	}
	c.stats.RecordPublish("request", QoSAtLeastOnce, true)

	c.logger.Debug("request sent",
		"to", to,
		"correlationId", pr.correlationID,
		"responseTopic", pr.responseTopic,
		"timeout", timeout,
	)

	select {
	case out := <-pr.done:
		elapsed := time.Since(pr.createdAt)
		if out.err != nil {
			c.stats.RecordRequest(OutcomeTimeout, elapsed)
			return nil, out.err
		}
		c.stats.RecordRequest(OutcomeCompleted, elapsed)
		return out.envelope, nil
	case <-ctx.Done():
		if pr := c.take(pr.correlationID); pr != nil {
			pr.timer.Stop()
		}
		c.stats.RecordRequest(OutcomeFailed, time.Since(pr.createdAt))
		return nil, ctx.Err()
	}
}

// Resolve delivers a response for correlationID. It reports false when no
// request is pending under that ID: unknown, duplicate and late deliveries
// are discarded silently since the transport may redeliver.
func (c *Correlator) Resolve(correlationID string, env *contracts.Envelope) bool {
	pr := c.take(correlationID)
	if pr == nil {
		return false
	}
	pr.timer.Stop()
	pr.done <- requestOutcome{envelope: env}

	c.logger.Debug("response received", "correlationId", correlationID)
	return true
}

// Respond publishes a response envelope back through the metadata carried
// by an inbound request. Both the response topic and the correlation ID
// must be present; otherwise nothing is published and ErrMalformedRequest
// is returned. Responses go out at-least-once and are never retained.
func (c *Correlator) Respond(ctx context.Context, req Metadata, data json.RawMessage) error {
	if !c.transport.IsConnected() {
		return contracts.ErrNotConnected
	}
	if req.ResponseTopic == "" || req.CorrelationID == "" {
		return contracts.ErrMalformedRequest
	}

	env := &contracts.Envelope{
		From:          c.username,
		Data:          data,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: req.CorrelationID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal response envelope: %w", err)
	}

	pubOpts := PublishOptions{
		QoS: QoSAtLeastOnce,
		Meta: Metadata{
			CorrelationID: req.CorrelationID,
			ContentType:   ContentTypeJSON,
		},
	}
	if err := c.send(ctx, req.ResponseTopic, payload, pubOpts); err != nil {
		c.stats.RecordPublish("response", QoSAtLeastOnce, false)
		return &contracts.TransportError{Op: "publish", Err: err}
	}
	c.stats.RecordPublish("response", QoSAtLeastOnce, true)

	c.logger.Debug("response sent", "correlationId", req.CorrelationID)
	return nil
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// register creates and arms a pending request. The correlation ID composes
// a monotonic counter with wall-clock millis and is checked against the
// live map: an ID is never reused while a request under it is in flight.
func (c *Correlator) register(timeout time.Duration) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id string
	for {
		c.counter++
		id = fmt.Sprintf("req_%d_%d", c.counter, time.Now().UnixMilli())
		if _, live := c.pending[id]; !live {
			break
		}
	}

	now := time.Now()
	pr := &pendingRequest{
		correlationID: id,
		responseTopic: ResponseTopic(c.username, uuid.NewString()[:8]),
		createdAt:     now,
		deadline:      now.Add(timeout),
		done:          make(chan requestOutcome, 1),
	}
	pr.timer = time.AfterFunc(timeout, func() {
		c.expire(id, timeout)
	})
	c.pending[id] = pr
	return pr
}

// take removes and returns the pending request for id, or nil. This is the
// single point deciding who resolves a request.
func (c *Correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr := c.pending[id]
	delete(c.pending, id)
	return pr
}

// expire fires on the deadline timer. If the response won the race the map
// entry is already gone and this is a no-op; a response arriving after
// expiry finds nothing and is dropped in turn.
func (c *Correlator) expire(id string, timeout time.Duration) {
	pr := c.take(id)
	if pr == nil {
		return
	}
	pr.done <- requestOutcome{err: fmt.Errorf("%w after %v", contracts.ErrRequestTimeout, timeout)}

	c.logger.Debug("request timed out", "correlationId", id, "timeout", timeout)
}

func (c *Correlator) send(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if c.gate == nil {
		return c.transport.Publish(ctx, topic, payload, opts)
	}
	return c.gate.Gate(ctx, func() error {
		return c.transport.Publish(ctx, topic, payload, opts)
	})
}
