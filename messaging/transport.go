package messaging

import (
	"context"
	"time"
)

// QoSLevel is the transport delivery guarantee tier.
type QoSLevel byte

const (
	// QoSAtMostOnce is fire-and-forget delivery.
	QoSAtMostOnce QoSLevel = iota
	// QoSAtLeastOnce is acknowledged delivery; duplicates are possible.
	QoSAtLeastOnce
	// QoSExactlyOnce is assured single delivery.
	QoSExactlyOnce
)

// LastWill declares a message the transport delivers on the session's
// behalf if the connection terminates without a graceful disconnect.
type LastWill struct {
	Topic   string
	Payload []byte
	QoS     QoSLevel
	Retain  bool
	Expiry  time.Duration
}

// ConnectOptions configures the transport connection. Username and Password
// are broker credentials, distinct from the session identity which is
// carried in the ClientID and topic names.
type ConnectOptions struct {
	ClientID      string
	Username      string
	Password      string
	CleanSession  bool
	KeepAlive     time.Duration
	SessionExpiry time.Duration
	Will          *LastWill
}

// Metadata is the out-of-band routing information attached to a publish.
// Response topic and correlation ID travel here rather than inside the
// payload body.
type Metadata struct {
	ResponseTopic string
	CorrelationID string
	ContentType   string
}

// PublishOptions configures a single publish. A zero Expiry means the
// transport keeps undelivered copies indefinitely.
type PublishOptions struct {
	QoS    QoSLevel
	Retain bool
	Expiry time.Duration
	Meta   Metadata
}

// InboundMessage is one delivery from the transport.
type InboundMessage struct {
	Topic   string
	Payload []byte
	Meta    Metadata
}

// Transport is the pub/sub connection consumed by a session. Adapters own
// all wire-level concerns (encoding, keep-alive, reconnection policy); the
// session treats delivery as at-least-once for QoS 1 and above and never
// assumes cross-publish ordering.
type Transport interface {
	// Connect establishes the connection, registering the last will if set.
	Connect(ctx context.Context, opts ConnectOptions) error

	// Publish sends payload to topic with the given delivery options.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// Subscribe registers interest in a topic filter at the given QoS.
	Subscribe(ctx context.Context, filter string, qos QoSLevel) error

	// Messages returns the single inbound stream for this connection.
	Messages() <-chan InboundMessage

	// Disconnect closes the connection. Idempotent.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the connection is live.
	IsConnected() bool
}
