// Package metrics exposes Prometheus collectors for agent turns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/graph"
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFault     = "fault"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	nodeDuration *prometheus.HistogramVec
	retries      prometheus.Counter
	events       *prometheus.CounterVec
	activeTurns  prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Name:      "turns_total",
			Help:      "Agent turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sqlagent",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a complete agent turn.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sqlagent",
			Name:      "node_duration_seconds",
			Help:      "Time spent in each graph node.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node", "status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Name:      "sql_retries_total",
			Help:      "SQL regeneration attempts after failed validation.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Name:      "events_total",
			Help:      "Events delivered to clients by kind.",
		}, []string{"kind"}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlagent",
			Name:      "active_turns",
			Help:      "Turns currently running.",
		}),
	}
	m.registry.MustRegister(
		m.turns, m.turnDuration, m.nodeDuration, m.retries, m.events, m.activeTurns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// NodeFinished implements graph.Observer.
func (m *Metrics) NodeFinished(node graph.NodeID, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.nodeDuration.WithLabelValues(string(node), status).Observe(elapsed.Seconds())
}

// Retried implements graph.Observer.
func (m *Metrics) Retried(int) {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// TurnStarted marks a turn as running.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.activeTurns.Inc()
}

// TurnFinished records a finished turn.
func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

// EventEmitted counts a delivered event.
func (m *Metrics) EventEmitted(kind events.Kind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}
