package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/parleymq/parley-go/messaging"
)

// Transport implements messaging.Transport for MQTT 5.0 brokers.
type Transport struct {
	serverURL string
	logger    *slog.Logger
	buffer    int

	mu        sync.Mutex
	client    *paho.Client
	conn      net.Conn
	connected bool
	messages  chan messaging.InboundMessage
}

// TransportOption configures the transport.
type TransportOption func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithInboundBuffer sets the inbound channel capacity. Deliveries arriving
// while the buffer is full are dropped and logged; size it for the slowest
// consumer.
func WithInboundBuffer(size int) TransportOption {
	return func(t *Transport) {
		t.buffer = size
	}
}

// NewTransport creates a transport for the given broker URL
// (tcp://host:port or mqtt://host:port). No connection is made until
// Connect.
func NewTransport(serverURL string, options ...TransportOption) *Transport {
	t := &Transport{
		serverURL: serverURL,
		logger:    slog.Default(),
		buffer:    64,
	}
	for _, opt := range options {
		opt(t)
	}
	t.messages = make(chan messaging.InboundMessage, t.buffer)
	return t
}

// Connect dials the broker and performs the MQTT connect handshake,
// registering the last will if one is declared.
func (t *Transport) Connect(ctx context.Context, opts messaging.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return fmt.Errorf("mqtt: already connected")
	}

	u, err := url.Parse(t.serverURL)
	if err != nil {
		return fmt.Errorf("mqtt: parse server url: %w", err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "1883")
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mqtt: dial %s: %w", addr, err)
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:   conn,
		Router: paho.NewSingleHandlerRouter(t.deliver),
	})

	cp := &paho.Connect{
		ClientID:   opts.ClientID,
		CleanStart: opts.CleanSession,
		KeepAlive:  uint16(opts.KeepAlive / time.Second),
	}
	if opts.Username != "" {
		cp.Username = opts.Username
		cp.UsernameFlag = true
	}
	if opts.Password != "" {
		cp.Password = []byte(opts.Password)
		cp.PasswordFlag = true
	}
	if opts.SessionExpiry > 0 {
		expiry := uint32(opts.SessionExpiry / time.Second)
		cp.Properties = &paho.ConnectProperties{SessionExpiryInterval: &expiry}
	}
	if will := opts.Will; will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     byte(will.QoS),
			Retain:  will.Retain,
		}
		if will.Expiry > 0 {
			willExpiry := uint32(will.Expiry / time.Second)
			cp.WillProperties = &paho.WillProperties{MessageExpiry: &willExpiry}
		}
	}

	connack, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	if connack != nil && connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("mqtt: connect rejected: reason code %d", connack.ReasonCode)
	}

	t.client = client
	t.conn = conn
	t.connected = true

	t.logger.Info("connected to mqtt broker", "server", t.serverURL, "clientId", opts.ClientID)
	return nil
}

// Publish sends one message, mapping the delivery options onto MQTT 5
// publish properties.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts messaging.PublishOptions) error {
	client, ok := t.liveClient()
	if !ok {
		return fmt.Errorf("mqtt: not connected")
	}

	pb := &paho.Publish{
		Topic:   topic,
		QoS:     byte(opts.QoS),
		Retain:  opts.Retain,
		Payload: payload,
	}

	props := &paho.PublishProperties{}
	hasProps := false
	if opts.Meta.ResponseTopic != "" {
		props.ResponseTopic = opts.Meta.ResponseTopic
		hasProps = true
	}
	if opts.Meta.CorrelationID != "" {
		props.CorrelationData = []byte(opts.Meta.CorrelationID)
		hasProps = true
	}
	if opts.Meta.ContentType != "" {
		props.ContentType = opts.Meta.ContentType
		hasProps = true
	}
	if opts.Expiry > 0 {
		expiry := uint32(opts.Expiry / time.Second)
		props.MessageExpiry = &expiry
		hasProps = true
	}
	if hasProps {
		pb.Properties = props
	}

	if _, err := client.Publish(ctx, pb); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a topic filter at the given QoS.
func (t *Transport) Subscribe(ctx context.Context, filter string, qos messaging.QoSLevel) error {
	client, ok := t.liveClient()
	if !ok {
		return fmt.Errorf("mqtt: not connected")
	}

	sub := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: byte(qos)},
		},
	}
	if _, err := client.Subscribe(ctx, sub); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}

	t.logger.Debug("subscribed", "filter", filter, "qos", qos)
	return nil
}

// Messages returns the inbound stream. The channel stays open across the
// connection's lifetime; deliveries are dropped, not blocked on, when the
// buffer is full.
func (t *Transport) Messages() <-chan messaging.InboundMessage {
	return t.messages
}

// Disconnect performs a graceful MQTT disconnect, which suppresses the
// last will. Idempotent.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	err := t.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	t.client = nil
	t.conn = nil
	t.connected = false

	if err != nil {
		return fmt.Errorf("mqtt: disconnect: %w", err)
	}
	t.logger.Info("disconnected from mqtt broker", "server", t.serverURL)
	return nil
}

// IsConnected reports whether the connection is live.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) liveClient() (*paho.Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, t.connected
}

// deliver runs on paho's receive goroutine for every inbound publish.
func (t *Transport) deliver(p *paho.Publish) {
	msg := messaging.InboundMessage{
		Topic:   p.Topic,
		Payload: p.Payload,
	}
	if props := p.Properties; props != nil {
		msg.Meta = messaging.Metadata{
			ResponseTopic: props.ResponseTopic,
			CorrelationID: string(props.CorrelationData),
			ContentType:   props.ContentType,
		}
	}

	select {
	case t.messages <- msg:
	default:
		t.logger.Warn("inbound buffer full, dropping message", "topic", p.Topic)
	}
}
