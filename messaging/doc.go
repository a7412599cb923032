// Package messaging implements the core of parley: the components that turn
// an asynchronous, unordered, at-least-once pub/sub transport into direct
// messaging, chat rooms, presence signaling and reliable request/response.
//
//   - TopicRouter classifies inbound topics into message kinds and extracts
//     routing fields by structural matching on the topic string
//   - Correlator owns the in-flight request map, correlation ID generation,
//     ephemeral response topics and timeout eviction
//   - FlowController serializes outbound sends through a minimum-interval
//     gate to bound the outbound publish rate
//   - EventBus fans inbound messages out to application handlers with
//     per-handler panic isolation
//   - Transport is the pub/sub connection contract implemented by the
//     adapters under transports/
//
// All types are safe for concurrent use. Each session owns its own router,
// correlator, gate and bus; nothing here is shared across sessions.
package messaging
