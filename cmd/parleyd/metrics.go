package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleymq/parley-go/messaging"
)

// promStats exports session counters to Prometheus. One collector is shared
// by every session the daemon hosts.
type promStats struct {
	publishes *prometheus.CounterVec
	inbound   *prometheus.CounterVec
	requests  *prometheus.CounterVec
	latency   prometheus.Histogram
	dropped   *prometheus.CounterVec
}

var _ messaging.StatsCollector = (*promStats)(nil)

func newPromStats(reg *prometheus.Registry) *promStats {
	s := &promStats{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_publishes_total",
			Help: "Outbound publishes by message class, QoS level and outcome.",
		}, []string{"class", "qos", "outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_inbound_total",
			Help: "Inbound messages by classified kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_requests_total",
			Help: "Request outcomes.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_request_duration_seconds",
			Help:    "Time from request publish to resolution.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_dropped_total",
			Help: "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(s.publishes, s.inbound, s.requests, s.latency, s.dropped)
	return s
}

func (s *promStats) RecordPublish(class string, qos messaging.QoSLevel, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	s.publishes.WithLabelValues(class, strconv.Itoa(int(qos)), outcome).Inc()
}

func (s *promStats) RecordInbound(kind messaging.MessageKind) {
	s.inbound.WithLabelValues(kind.String()).Inc()
}

func (s *promStats) RecordRequest(outcome messaging.RequestOutcome, elapsed time.Duration) {
	s.requests.WithLabelValues(string(outcome)).Inc()
	s.latency.Observe(elapsed.Seconds())
}

func (s *promStats) RecordDropped(reason string) {
	s.dropped.WithLabelValues(reason).Inc()
}
