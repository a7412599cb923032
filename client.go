// Package parley is the public surface of the parley messaging client:
// direct messages, chat rooms, presence signaling and request/response on
// top of a pub/sub transport. A Client owns one session; create one per
// identity.
package parley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleymq/parley-go/auth"
	"github.com/parleymq/parley-go/contracts"
	"github.com/parleymq/parley-go/messaging"
	"github.com/parleymq/parley-go/transports/mqtt"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Client is one messaging session. It composes the topic router, the
// correlation engine, the flow controller and the event bus over a single
// transport connection. All methods are safe for concurrent use; inbound
// messages are processed one at a time in arrival order.
type Client struct {
	brokerURL string
	verifier  auth.Verifier
	transport messaging.Transport
	gate      *messaging.FlowController
	events    *messaging.EventBus
	stats     messaging.StatsCollector
	logger    *slog.Logger
	ids       contracts.IDGenerator

	brokerUsername string
	brokerPassword string
	keepAlive      time.Duration
	sessionExpiry  time.Duration
	statusExpiry   time.Duration
	directExpiry   time.Duration
	chatExpiry     time.Duration
	graceWait      time.Duration
	pingInterval   time.Duration
	minInterval    time.Duration

	mu         sync.Mutex
	state      State
	username   string
	router     *messaging.TopicRouter
	correlator *messaging.Correlator
	subs       map[string]messaging.QoSLevel
	done       chan struct{}
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport replaces the default MQTT transport.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(c *Client) {
		c.transport = transport
	}
}

// WithStats sets the stats collector.
func WithStats(stats messaging.StatsCollector) ClientOption {
	return func(c *Client) {
		c.stats = stats
	}
}

// WithBrokerCredentials sets the transport-level username and password.
// These authenticate against the broker and are distinct from the session
// identity passed to Connect.
func WithBrokerCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.brokerUsername = username
		c.brokerPassword = password
	}
}

// WithMinSendInterval sets the flow controller's minimum spacing between
// outbound sends. Default is 100ms.
func WithMinSendInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.minInterval = interval
	}
}

// WithKeepAlive sets the transport keep-alive interval. Default is 60s.
func WithKeepAlive(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.keepAlive = interval
	}
}

// WithSessionExpiry sets how long the broker keeps session state after an
// abnormal disconnect. Default is one hour.
func WithSessionExpiry(expiry time.Duration) ClientOption {
	return func(c *Client) {
		c.sessionExpiry = expiry
	}
}

// WithDisconnectGrace sets the wait after publishing the offline status
// before the transport closes. Default is one second.
func WithDisconnectGrace(grace time.Duration) ClientOption {
	return func(c *Client) {
		c.graceWait = grace
	}
}

// WithPingInterval sets the application-level keep-alive ping cadence.
// Zero disables the ping. Default is 30s.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// NewClient creates a disconnected session client. The verifier is the
// external auth collaborator that validates session tokens on Connect.
func NewClient(brokerURL string, verifier auth.Verifier, options ...ClientOption) *Client {
	c := &Client{
		brokerURL:     brokerURL,
		verifier:      verifier,
		stats:         messaging.NoOpStatsCollector{},
		logger:        slog.Default(),
		keepAlive:     60 * time.Second,
		sessionExpiry: time.Hour,
		statusExpiry:  5 * time.Minute,
		directExpiry:  time.Hour,
		chatExpiry:    2 * time.Hour,
		graceWait:     time.Second,
		pingInterval:  30 * time.Second,
		minInterval:   100 * time.Millisecond,
		subs:          make(map[string]messaging.QoSLevel),
	}
	for _, opt := range options {
		opt(c)
	}

	c.gate = messaging.NewFlowController(c.minInterval)
	c.events = messaging.NewEventBus(messaging.WithEventBusLogger(c.logger))
	if c.transport == nil {
		c.transport = mqtt.NewTransport(brokerURL, mqtt.WithLogger(c.logger))
	}
	return c
}

// Connect verifies the session token, opens the transport with an offline
// last will, announces presence and subscribes to the personal topic set.
func (c *Client) Connect(ctx context.Context, username, token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: session is %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	claims, err := c.verifier.Verify(token)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", contracts.ErrAuthenticationFailed, err)
	}
	if claims.Username != username {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: token identity %q does not match %q",
			contracts.ErrAuthenticationFailed, claims.Username, username)
	}

	will := contracts.NewStatusUpdate(username, contracts.StatusOffline)
	will.Reason = "unexpected_disconnect"
	willPayload, err := json.Marshal(will)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("marshal will payload: %w", err)
	}

	connectOpts := messaging.ConnectOptions{
		ClientID:      fmt.Sprintf("messaging_client_%s_%d", username, time.Now().UnixMilli()),
		Username:      c.brokerUsername,
		Password:      c.brokerPassword,
		CleanSession:  true,
		KeepAlive:     c.keepAlive,
		SessionExpiry: c.sessionExpiry,
		Will: &messaging.LastWill{
			Topic:   messaging.StatusTopic(username),
			Payload: willPayload,
			QoS:     messaging.QoSAtLeastOnce,
			Retain:  true,
			Expiry:  c.statusExpiry,
		},
	}
	if err := c.transport.Connect(ctx, connectOpts); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect transport: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.username = username
	c.router = messaging.NewTopicRouter(username)
	c.correlator = messaging.NewCorrelator(username, c.transport,
		messaging.WithCorrelatorLogger(c.logger),
		messaging.WithCorrelatorStats(c.stats),
		messaging.WithSendGate(c.gate),
	)
	c.done = done
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.PublishStatus(ctx, contracts.StatusOnline); err != nil {
		c.abortConnect(ctx, done)
		return err
	}

	personal := []struct {
		filter string
		qos    messaging.QoSLevel
	}{
		{messaging.DirectMessageTopic(username), messaging.QoSAtLeastOnce},
		{messaging.RequestTopic(username), messaging.QoSAtLeastOnce},
		{messaging.ChatWildcardFilter, messaging.QoSAtLeastOnce},
		{messaging.SystemAnnouncementsTopic, messaging.QoSAtLeastOnce},
	}
	for _, sub := range personal {
		if err := c.subscribe(ctx, sub.filter, sub.qos); err != nil {
			c.abortConnect(ctx, done)
			return err
		}
	}

	go c.readLoop(done)
	if c.pingInterval > 0 {
		go c.pingLoop(done)
	}

	c.events.Emit(messaging.Event{Type: messaging.EventConnected})
	c.logger.Info("session connected", "username", username, "broker", c.brokerURL)
	return nil
}

// Disconnect announces the offline status, waits a bounded grace period so
// the retained announcement reaches the broker, then closes the transport.
// Calling it on an already disconnected session is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return nil
	case StateConnected:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("disconnect: session is %s", state)
	}
	c.state = StateDisconnecting
	done := c.done
	c.mu.Unlock()

	if err := c.PublishStatus(ctx, contracts.StatusOffline); err != nil {
		c.logger.Warn("offline status publish failed", "error", err)
	}

	if c.graceWait > 0 {
		timer := time.NewTimer(c.graceWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	close(done)
	err := c.transport.Disconnect(ctx)

	c.mu.Lock()
	c.state = StateDisconnected
	c.username = ""
	c.router = nil
	c.correlator = nil
	c.mu.Unlock()

	c.events.Emit(messaging.Event{Type: messaging.EventDisconnected})
	c.logger.Info("session disconnected")

	if err != nil {
		return &contracts.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// SendDirect publishes a direct message to another user at the chosen QoS
// and returns the generated message ID.
func (c *Client) SendDirect(ctx context.Context, to, message string, qos messaging.QoSLevel) (string, error) {
	username, ok := c.sessionUser()
	if !ok {
		return "", contracts.ErrNotConnected
	}

	env := &contracts.Envelope{
		From:      username,
		To:        to,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		MessageID: c.ids.Next("msg"),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	opts := messaging.PublishOptions{
		QoS:    qos,
		Expiry: c.directExpiry,
		Meta:   messaging.Metadata{ContentType: messaging.ContentTypeJSON},
	}
	if err := c.send(ctx, "direct", messaging.DirectMessageTopic(to), payload, opts); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// SendChat publishes a message into a chat room at the chosen QoS and
// returns the generated message ID.
func (c *Client) SendChat(ctx context.Context, roomID, message string, qos messaging.QoSLevel) (string, error) {
	username, ok := c.sessionUser()
	if !ok {
		return "", contracts.ErrNotConnected
	}

	env := &contracts.Envelope{
		From:      username,
		Room:      roomID,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		MessageID: c.ids.Next("chat"),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	opts := messaging.PublishOptions{
		QoS:    qos,
		Expiry: c.chatExpiry,
		Meta:   messaging.Metadata{ContentType: messaging.ContentTypeJSON},
	}
	if err := c.send(ctx, "chat", messaging.ChatTopic(roomID), payload, opts); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// PublishStatus announces presence as a retained message on the session's
// status topic. The online announcement never expires; any other status
// expires after the configured status window.
func (c *Client) PublishStatus(ctx context.Context, status string) error {
	c.mu.Lock()
	username := c.username
	live := c.state == StateConnected || c.state == StateDisconnecting
	c.mu.Unlock()
	if !live {
		return contracts.ErrNotConnected
	}

	payload, err := json.Marshal(contracts.NewStatusUpdate(username, status))
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	var expiry time.Duration
	if status != contracts.StatusOnline {
		expiry = c.statusExpiry
	}
	opts := messaging.PublishOptions{
		QoS:    messaging.QoSAtLeastOnce,
		Retain: true,
		Expiry: expiry,
		Meta:   messaging.Metadata{ContentType: messaging.ContentTypeJSON},
	}
	return c.send(ctx, "status", messaging.StatusTopic(username), payload, opts)
}

// Request sends a request to another user and blocks until the response
// arrives or the timeout elapses. data is marshaled as the envelope's data
// field.
func (c *Client) Request(ctx context.Context, to string, data any, timeout time.Duration) (*contracts.Envelope, error) {
	correlator, ok := c.liveCorrelator()
	if !ok {
		return nil, contracts.ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	return correlator.Request(ctx, to, raw, timeout)
}

// Respond answers an inbound request event through the response topic and
// correlation ID carried in its metadata.
func (c *Client) Respond(ctx context.Context, req messaging.Metadata, data any) error {
	correlator, ok := c.liveCorrelator()
	if !ok {
		return contracts.ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal response data: %w", err)
	}
	return correlator.Respond(ctx, req, raw)
}

// Subscribe adds a topic filter beyond the personal set, e.g. another
// user's status topic. Subscriptions persist for the session lifetime.
func (c *Client) Subscribe(ctx context.Context, filter string, qos messaging.QoSLevel) error {
	c.mu.Lock()
	live := c.state == StateConnected
	c.mu.Unlock()
	if !live {
		return contracts.ErrNotConnected
	}
	return c.subscribe(ctx, filter, qos)
}

// On registers an event handler. Handlers run synchronously in
// registration order on the inbound goroutine.
func (c *Client) On(eventType messaging.EventType, handler messaging.EventHandler) {
	c.events.On(eventType, handler)
}

// State returns the session lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Username returns the identity of the connected session, or "".
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// PendingRequests returns the number of in-flight requests.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	correlator := c.correlator
	c.mu.Unlock()
	if correlator == nil {
		return 0
	}
	return correlator.PendingCount()
}

// Subscriptions returns a copy of the subscription registry: topic filter
// to negotiated QoS.
func (c *Client) Subscriptions() map[string]messaging.QoSLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make(map[string]messaging.QoSLevel, len(c.subs))
	for filter, qos := range c.subs {
		subs[filter] = qos
	}
	return subs
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) sessionUser() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username, c.state == StateConnected
}

func (c *Client) liveCorrelator() (*messaging.Correlator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlator, c.state == StateConnected && c.correlator != nil
}

// abortConnect tears down a half-established session.
func (c *Client) abortConnect(ctx context.Context, done chan struct{}) {
	close(done)
	if err := c.transport.Disconnect(ctx); err != nil {
		c.logger.Warn("transport close failed during connect abort", "error", err)
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.username = ""
	c.router = nil
	c.correlator = nil
	c.mu.Unlock()
}

func (c *Client) subscribe(ctx context.Context, filter string, qos messaging.QoSLevel) error {
	if err := c.transport.Subscribe(ctx, filter, qos); err != nil {
		return &contracts.TransportError{Op: "subscribe", Err: err}
	}
	c.mu.Lock()
	c.subs[filter] = qos
	c.mu.Unlock()
	return nil
}

// send runs one publish through the flow gate and records the outcome.
func (c *Client) send(ctx context.Context, class, topic string, payload []byte, opts messaging.PublishOptions) error {
	err := c.gate.Gate(ctx, func() error {
		return c.transport.Publish(ctx, topic, payload, opts)
	})
	c.stats.RecordPublish(class, opts.QoS, err == nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return &contracts.TransportError{Op: "publish", Err: err}
	}
	return nil
}

// readLoop drains the transport's inbound stream one message at a time,
// preserving arrival order for the whole session.
func (c *Client) readLoop(done <-chan struct{}) {
	messages := c.transport.Messages()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

// dispatch classifies one inbound message and routes it to the correlator
// or the event bus. A bad payload is logged and dropped; it must never
// stop delivery of subsequent messages.
func (c *Client) dispatch(msg messaging.InboundMessage) {
	c.mu.Lock()
	router := c.router
	correlator := c.correlator
	c.mu.Unlock()
	if router == nil {
		return
	}

	cls := router.Classify(msg.Topic)
	c.stats.RecordInbound(cls.Kind)

	switch cls.Kind {
	case messaging.KindUnrecognized:
		return

	case messaging.KindResponse:
		if msg.Meta.CorrelationID == "" {
			c.stats.RecordDropped("missing_correlation")
			c.logger.Debug("response without correlation data dropped", "topic", msg.Topic)
			return
		}
		env, err := decodeEnvelope(msg.Payload)
		if err != nil {
			c.stats.RecordDropped("malformed")
			c.logger.Warn("dropping malformed payload", "topic", msg.Topic, "error", err)
			return
		}
		if correlator == nil || !correlator.Resolve(msg.Meta.CorrelationID, env) {
			c.stats.RecordDropped("late_response")
			c.logger.Debug("late or duplicate response dropped", "correlationId", msg.Meta.CorrelationID)
		}

	case messaging.KindStatusUpdate:
		var status contracts.StatusUpdate
		if err := json.Unmarshal(msg.Payload, &status); err != nil {
			c.stats.RecordDropped("malformed")
			c.logger.Warn("dropping malformed payload", "topic", msg.Topic, "error", err)
			return
		}
		c.events.Emit(messaging.Event{
			Type:   messaging.EventStatusUpdate,
			Topic:  msg.Topic,
			Status: &status,
			Meta:   msg.Meta,
		})

	default:
		env, err := decodeEnvelope(msg.Payload)
		if err != nil {
			c.stats.RecordDropped("malformed")
			c.logger.Warn("dropping malformed payload", "topic", msg.Topic, "error", err)
			return
		}
		c.events.Emit(messaging.Event{
			Type:     eventTypeFor(cls.Kind),
			Topic:    msg.Topic,
			Room:     cls.RoomID,
			Envelope: env,
			Meta:     msg.Meta,
		})
	}
}

// pingLoop publishes an application-level keep-alive while the session is
// connected. Housekeeping traffic bypasses the flow gate so application
// sends keep their cadence.
func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			username, ok := c.sessionUser()
			if !ok {
				return
			}
			payload, err := json.Marshal(struct {
				From      string `json:"from"`
				Timestamp int64  `json:"timestamp"`
			}{username, time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			pubOpts := messaging.PublishOptions{QoS: messaging.QoSAtMostOnce}
			if err := c.transport.Publish(context.Background(), messaging.SystemPingTopic, payload, pubOpts); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}

func eventTypeFor(kind messaging.MessageKind) messaging.EventType {
	switch kind {
	case messaging.KindDirectMessage:
		return messaging.EventDirectMessage
	case messaging.KindRequest:
		return messaging.EventRequest
	default:
		return messaging.EventChatMessage
	}
}

func decodeEnvelope(payload []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
