package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brunobiangulo/storyline/tools"
)

// Metrics exposes run progress to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	chunks        prometheus.Counter
	events        prometheus.Counter
	relationships prometheus.Counter
	unitErrors    *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	passDuration  *prometheus.SummaryVec
	runs          *prometheus.CounterVec
	activeRuns    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storyline",
			Name:      "chunks_processed_total",
			Help:      "Chunks sent to the detection agent",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storyline",
			Name:      "events_found_total",
			Help:      "Events created during detection",
		}),
		relationships: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storyline",
			Name:      "relationships_created_total",
			Help:      "Temporal relationships created during resolution",
		}),
		unitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyline",
			Name:      "unit_errors_total",
			Help:      "Chunks or batches that failed after all retries, by pass",
		}, []string{"pass"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyline",
			Name:      "tool_calls_total",
			Help:      "Agent tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		passDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "storyline",
			Name:      "pass_duration_seconds",
			Help:      "Time spent in each processing pass",
		}, []string{"pass"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyline",
			Name:      "runs_total",
			Help:      "Finished runs by final state",
		}, []string{"state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyline",
			Name:      "active_runs",
			Help:      "Runs currently in progress",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.chunks, m.events, m.relationships, m.unitErrors,
		m.toolCalls, m.passDuration, m.runs, m.activeRuns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveToolCall records one tool call outcome. Its signature matches
// tools.WithObserver.
func (m *Metrics) ObserveToolCall(tool string, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, toolOutcome(err)).Inc()
}

func toolOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tools.ErrValidation):
		return "invalid"
	case errors.Is(err, tools.ErrNotFound):
		return "not_found"
	case errors.Is(err, tools.ErrStore):
		return "store_error"
	default:
		return "error"
	}
}

func (m *Metrics) chunk(events int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.events.Add(float64(events))
}

func (m *Metrics) resolved(relationships int) {
	if m == nil {
		return
	}
	m.relationships.Add(float64(relationships))
}

func (m *Metrics) unitFailed(pass string) {
	if m == nil {
		return
	}
	m.unitErrors.WithLabelValues(pass).Inc()
}

func (m *Metrics) pass(name string, started time.Time) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(s State) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(string(s)).Inc()
}
