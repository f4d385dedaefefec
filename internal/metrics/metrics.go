package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
	"github.com/rickgao/coupon-exchange/internal/publisher"
)

const namespace = "coupon_matcher"

// Publish results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds every collector. It implements connection.Observer,
// router.Observer, publisher.Observer and negotiation.TransitionSink.
type Metrics struct {
	ConnState         prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesRouted      *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Publishes         *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	NegotiationPhases *prometheus.CounterVec
	ConnectedUsers    prometheus.Gauge
	JournalRows       prometheus.Counter
	JournalErrors     prometheus.Counter
	HistorySeeded     prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=erroring)",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound MESSAGE frames by destination",
		}, []string{"destination"}),
		FramesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_routed_total",
			Help:      "Frames queued for a handler by logical address",
		}, []string{"address"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by logical address and reason",
		}, []string{"address", "reason"}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Outbound command attempts by command and result",
		}, []string{"command", "result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_transitions_total",
			Help:      "Applied trade transitions by target status and source",
		}, []string{"status", "source"}),
		NegotiationPhases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_phases_total",
			Help:      "Negotiation phases entered",
		}, []string{"phase"}),
		ConnectedUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Last connected-user count reported by the broker",
		}),
		JournalRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_rows_total",
			Help:      "Trade transitions written to the journal",
		}),
		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Failed journal batch writes",
		}),
		HistorySeeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_seeded_total",
			Help:      "Trades applied from REST history",
		}),
	}
}

// ConnectionState implements connection.Observer.
func (m *Metrics) ConnectionState(s connection.State) {
	if m == nil {
		return
	}
	m.ConnState.Set(float64(s))
}

// ReconnectAttempt implements connection.Observer.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// MessageReceived implements connection.Observer.
func (m *Metrics) MessageReceived(destination string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(destination).Inc()
}

// FrameRouted implements router.Observer.
func (m *Metrics) FrameRouted(address string) {
	if m == nil {
		return
	}
	m.FramesRouted.WithLabelValues(address).Inc()
}

// FrameDropped implements router.Observer.
func (m *Metrics) FrameDropped(address, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(address, reason).Inc()
}

// Published implements publisher.Observer.
func (m *Metrics) Published(command string, err error) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(command, publishResult(err)).Inc()
}

func publishResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, publisher.ErrPublishRejected):
		return ResultRejected
	}
	return ResultError
}

// RecordTransition implements negotiation.TransitionSink.
func (m *Metrics) RecordTransition(tr negotiation.Transition) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(tr.ToStatus), tr.Source).Inc()
}

// PhaseEntered counts a negotiation phase.
func (m *Metrics) PhaseEntered(p negotiation.Phase) {
	if m == nil {
		return
	}
	m.NegotiationPhases.WithLabelValues(p.String()).Inc()
}

// SetConnectedUsers records the broker's connected-user count.
func (m *Metrics) SetConnectedUsers(n int) {
	if m == nil {
		return
	}
	m.ConnectedUsers.Set(float64(n))
}

// JournalWritten records a successful or failed journal batch.
func (m *Metrics) JournalWritten(rows int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.JournalErrors.Inc()
		return
	}
	m.JournalRows.Add(float64(rows))
}

// Seeded records trades applied from history.
func (m *Metrics) Seeded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistorySeeded.Add(float64(n))
}
