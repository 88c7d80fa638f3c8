// Package metrics registers the gateway's Prometheus collectors. One Metrics
// value is shared by the edge and brain tiers; the edge serves the scrape
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway emits.
type Metrics struct {
	// DispatchCounter counts completed dispatches.
	// Labels: kind (connector.action|agent.execute|agent.run), status
	// (succeeded|failed).
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures end-to-end dispatch latency in seconds.
	// Labels: kind.
	DispatchDuration *prometheus.HistogramVec

	// SelectionFailures counts selections that produced no executor.
	// Labels: reason (wire error code).
	SelectionFailures *prometheus.CounterVec

	// TurnCounter counts completed session turns.
	// Labels: status (succeeded|failed|canceled).
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures session turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ActiveTurns tracks turns currently held by this brain.
	ActiveTurns prometheus.Gauge

	// Sockets tracks open WebSocket connections.
	// Labels: hub (client|executor).
	Sockets *prometheus.GaugeVec

	// FrameCounter counts bus frames processed.
	// Labels: tier (edge|brain), type (frame discriminator).
	FrameCounter *prometheus.CounterVec

	// ErrorCounter counts surfaced wire errors.
	// Labels: code.
	ErrorCounter *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in production wiring; tests pass an isolated registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatches_total",
				Help: "Completed workflow dispatches by kind and status",
			},
			[]string{"kind", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "End-to-end dispatch latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		SelectionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_selection_failures_total",
				Help: "Executor selections that failed, by wire error code",
			},
			[]string{"reason"},
		),
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_turns_total",
				Help: "Completed session turns by status",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_session_turn_duration_seconds",
				Help:    "Session turn latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_turns",
				Help: "Session turns currently owned by this brain",
			},
		),
		Sockets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_sockets",
				Help: "Open WebSocket connections by hub",
			},
			[]string{"hub"},
		),
		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_frames_total",
				Help: "Bus frames processed by tier and frame type",
			},
			[]string{"tier", "type"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_errors_total",
				Help: "Wire errors surfaced to callers, by code",
			},
			[]string{"code"},
		),
	}
}

// RecordDispatch records one completed dispatch.
func (m *Metrics) RecordDispatch(kind, status string, seconds float64) {
	m.DispatchCounter.WithLabelValues(kind, status).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordSelectionFailure records a selection that produced no executor.
func (m *Metrics) RecordSelectionFailure(reason string) {
	m.SelectionFailures.WithLabelValues(reason).Inc()
}

// RecordTurn records one finished session turn.
func (m *Metrics) RecordTurn(status string, seconds float64) {
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(seconds)
}

// RecordError counts a wire error code surfaced to a caller.
func (m *Metrics) RecordError(code string) {
	if code == "" {
		return
	}
	m.ErrorCounter.WithLabelValues(code).Inc()
}

// RecordFrame counts one processed bus frame.
func (m *Metrics) RecordFrame(tier, frameType string) {
	m.FrameCounter.WithLabelValues(tier, frameType).Inc()
}

// SocketOpened/SocketClosed track hub connection counts.
func (m *Metrics) SocketOpened(hub string) { m.Sockets.WithLabelValues(hub).Inc() }
func (m *Metrics) SocketClosed(hub string) { m.Sockets.WithLabelValues(hub).Dec() }
