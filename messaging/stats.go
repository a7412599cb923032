package messaging

import (
	"sync"
	"time"
)

// RequestOutcome is how an issued request resolved.
type RequestOutcome string

const (
	OutcomeCompleted RequestOutcome = "completed"
	OutcomeTimeout   RequestOutcome = "timeout"
	OutcomeFailed    RequestOutcome = "failed"
)

// StatsCollector receives counters from the session. Implementations must
// be safe for concurrent use and must not block: they are called on send
// and dispatch paths.
type StatsCollector interface {
	// RecordPublish records one outbound publish of the given message class.
	RecordPublish(class string, qos QoSLevel, success bool)

	// RecordInbound records one classified inbound delivery.
	RecordInbound(kind MessageKind)

	// RecordRequest records the outcome of one issued request.
	RecordRequest(outcome RequestOutcome, elapsed time.Duration)

	// RecordDropped records an inbound delivery discarded before dispatch.
	RecordDropped(reason string)
}

// NoOpStatsCollector discards everything.
type NoOpStatsCollector struct{}

func (NoOpStatsCollector) RecordPublish(class string, qos QoSLevel, success bool) {}
func (NoOpStatsCollector) RecordInbound(kind MessageKind)                         {}
func (NoOpStatsCollector) RecordRequest(outcome RequestOutcome, d time.Duration)  {}
func (NoOpStatsCollector) RecordDropped(reason string)                            {}

// SessionStats is a basic in-memory collector. It can be snapshotted at any
// time and is cheap enough to leave enabled.
type SessionStats struct {
	mu        sync.Mutex
	published map[string]int64
	inbound   map[string]int64
	requests  map[RequestOutcome]int64
	dropped   map[string]int64
	failed    int64
}

// NewSessionStats creates an empty collector.
func NewSessionStats() *SessionStats {
	return &SessionStats{
		published: make(map[string]int64),
		inbound:   make(map[string]int64),
		requests:  make(map[RequestOutcome]int64),
		dropped:   make(map[string]int64),
	}
}

func (s *SessionStats) RecordPublish(class string, qos QoSLevel, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.published[class]++
	} else {
		s.failed++
	}
}

func (s *SessionStats) RecordInbound(kind MessageKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound[kind.String()]++
}

func (s *SessionStats) RecordRequest(outcome RequestOutcome, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[outcome]++
}

func (s *SessionStats) RecordDropped(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[reason]++
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Published     map[string]int64
	Inbound       map[string]int64
	Requests      map[RequestOutcome]int64
	Dropped       map[string]int64
	PublishFailed int64
}

// Snapshot returns a copy of the current counters.
func (s *SessionStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Published:     make(map[string]int64, len(s.published)),
		Inbound:       make(map[string]int64, len(s.inbound)),
		Requests:      make(map[RequestOutcome]int64, len(s.requests)),
		Dropped:       make(map[string]int64, len(s.dropped)),
		PublishFailed: s.failed,
	}
	for k, v := range s.published {
		snap.Published[k] = v
	}
	for k, v := range s.inbound {
		snap.Inbound[k] = v
	}
	for k, v := range s.requests {
		snap.Requests[k] = v
	}
	for k, v := range s.dropped {
		snap.Dropped[k] = v
	}
	return snap
}
