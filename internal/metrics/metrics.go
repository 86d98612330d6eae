// Package metrics contains the Prometheus collectors of the tunnel and the
// rule set.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/carrotproxy/daedalus/internal/dnsforward"
	"github.com/carrotproxy/daedalus/internal/filtering"
	"github.com/carrotproxy/daedalus/internal/heartbeat"
	"github.com/carrotproxy/daedalus/internal/tunsvc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the namespace of all metrics.
const Namespace = "daedalus"

// Label names.
const (
	labelResult = "result"
	labelSlot   = "slot"
)

// Metrics is the set of collectors of a single process.  It uses its own
// registry, so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	queries          *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamTimeouts *prometheus.CounterVec
	unmatched        prometheus.Counter
	servFails        prometheus.Counter
	ruleCount        prometheus.Gauge
	loadDuration     prometheus.Histogram
	activations      prometheus.Counter
	heartbeats       *prometheus.CounterVec
}

// New registers the collectors in a new registry and returns the metrics.
func New() (m *Metrics, err error) {
	m = &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tunnel",
			Name:      "packets_total",
			Help:      "Total number of packets read from the tunnel by handling result.",
		}, []string{labelResult}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "response_duration_seconds",
			Help:      "Time to receive a matching response from the upstream server.",
			// From 1ms to about 4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		}, []string{labelSlot}),
		upstreamTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "timeouts_total",
			Help:      "Total number of queries not answered in time by the upstream server.",
		}, []string{labelSlot}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "unmatched_responses_total",
			Help:      "Total number of dropped upstream responses.",
		}),
		servFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tunnel",
			Name:      "servfail_total",
			Help:      "Total number of SERVFAIL replies synthesized for the clients.",
		}),
		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rules",
			Name:      "domains",
			Help:      "Number of domains in the published rule set.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   Namespace,
			Subsystem:                   "rules",
			Name:                        "load_duration_seconds",
			Help:                        "Time to build the rule set.",
			NativeHistogramBucketFactor: 1.1,
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "activations_total",
			Help:      "Total number of successfully activated tunnel sessions.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "heartbeat",
			Name:      "submissions_total",
			Help:      "Total number of token submissions by result.",
		}, []string{labelResult}),
	}

	for _, c := range []prometheus.Collector{
		m.queries,
		m.upstreamDuration,
		m.upstreamTimeouts,
		m.unmatched,
		m.servFails,
		m.ruleCount,
		m.loadDuration,
		m.activations,
		m.heartbeats,
	} {
		err = m.registry.Register(c)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	return m, nil
}

// Registry returns the registry of m.
func (m *Metrics) Registry() (r *prometheus.Registry) {
	return m.registry
}

// Handler returns the HTTP handler exposing the metrics in the text format.
func (m *Metrics) Handler() (h http.Handler) {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

// type check
var (
	_ filtering.Metrics  = (*Metrics)(nil)
	_ dnsforward.Metrics = (*Metrics)(nil)
	_ tunsvc.Metrics     = (*Metrics)(nil)
	_ heartbeat.Metrics  = (*Metrics)(nil)
)

// SetRuleCount implements the [filtering.Metrics] interface for *Metrics.
func (m *Metrics) SetRuleCount(_ context.Context, n int) {
	m.ruleCount.Set(float64(n))
}

// ObserveLoad implements the [filtering.Metrics] interface for *Metrics.
func (m *Metrics) ObserveLoad(_ context.Context, dur time.Duration) {
	m.loadDuration.Observe(dur.Seconds())
}

// ObserveUpstream implements the [dnsforward.Metrics] interface for *Metrics.
func (m *Metrics) ObserveUpstream(_ context.Context, slot dnsforward.Slot, dur time.Duration) {
	m.upstreamDuration.WithLabelValues(slot.String()).Observe(dur.Seconds())
}

// IncTimeout implements the [dnsforward.Metrics] interface for *Metrics.
func (m *Metrics) IncTimeout(_ context.Context, slot dnsforward.Slot) {
	m.upstreamTimeouts.WithLabelValues(slot.String()).Inc()
}

// IncUnmatched implements the [dnsforward.Metrics] interface for *Metrics.
func (m *Metrics) IncUnmatched(_ context.Context) {
	m.unmatched.Inc()
}

// IncServFail implements the [dnsforward.Metrics] interface for *Metrics.
func (m *Metrics) IncServFail(_ context.Context) {
	m.servFails.Inc()
}

// IncQuery implements the [tunsvc.Metrics] interface for *Metrics.
func (m *Metrics) IncQuery(_ context.Context, res tunsvc.Result) {
	m.queries.WithLabelValues(string(res)).Inc()
}

// IncActivation increments the number of activated sessions.
func (m *Metrics) IncActivation(_ context.Context) {
	m.activations.Inc()
}

// IncSubmission implements the [heartbeat.Metrics] interface for *Metrics.
func (m *Metrics) IncSubmission(_ context.Context, ok bool) {
	res := "success"
	if !ok {
		res = "error"
	}

	m.heartbeats.WithLabelValues(res).Inc()
}
