package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Sync provider metrics
	PushesTotal     *prometheus.CounterVec
	PushErrors      *prometheus.CounterVec
	PushesSkipped   *prometheus.CounterVec
	PullApplied     *prometheus.CounterVec
	PullSkipped     *prometheus.CounterVec
	StatusChanges   *prometheus.CounterVec
	PushedBytes     *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec

	// File transfer metrics
	TransferBytes *prometheus.CounterVec
	Transfers     *prometheus.CounterVec

	// Relay metrics
	RelayConnections prometheus.Gauge
	RelayRooms       prometheus.Gauge
	RelayBroadcasts  *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_pushes_total",
				Help: "Total number of document states pushed to a remote",
			},
			[]string{"document"},
		),

		PushErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_push_errors_total",
				Help: "Total number of failed pushes",
			},
			[]string{"document"},
		),

		PushesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_pushes_skipped_total",
				Help: "Pushes skipped because the state equals the last pushed state",
			},
			[]string{"document"},
		),

		PullApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_pull_applied_total",
				Help: "Remote updates applied to the local document",
			},
			[]string{"document"},
		),

		PullSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_pull_skipped_total",
				Help: "Remote messages dropped without applying",
			},
			[]string{"document", "reason"},
		),

		StatusChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_status_changes_total",
				Help: "Provider status transitions",
			},
			[]string{"document", "status"},
		),

		PushedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_pushed_bytes_total",
				Help: "Encoded state bytes pushed to a remote",
			},
			[]string{"document"},
		),

		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_reconnects_total",
				Help: "Subscription reconnect attempts",
			},
			[]string{"document"},
		),

		TransferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_transfer_bytes_total",
				Help: "File bytes moved by peer transfers",
			},
			[]string{"direction"},
		),

		Transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_transfers_total",
				Help: "Finished peer transfers by outcome",
			},
			[]string{"direction", "outcome"},
		),

		RelayConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "docsync_relay_connections",
				Help: "Open relay WebSocket connections",
			},
		),

		RelayRooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "docsync_relay_rooms",
				Help: "Documents with at least one relay connection",
			},
		),

		RelayBroadcasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsync_relay_broadcasts_total",
				Help: "Frames fanned out by the relay",
			},
			[]string{"type"},
		),
	}
}

// Push records a successful push of n bytes
func (m *Metrics) Push(document string, n int) {
	if m == nil {
		return
	}
	m.PushesTotal.WithLabelValues(document).Inc()
	m.PushedBytes.WithLabelValues(document).Add(float64(n))
}

// PushError records a failed push
func (m *Metrics) PushError(document string) {
	if m == nil {
		return
	}
	m.PushErrors.WithLabelValues(document).Inc()
}

// PushSkipped records a push skipped as redundant
func (m *Metrics) PushSkipped(document string) {
	if m == nil {
		return
	}
	m.PushesSkipped.WithLabelValues(document).Inc()
}

// Applied records an applied remote update
func (m *Metrics) Applied(document string) {
	if m == nil {
		return
	}
	m.PullApplied.WithLabelValues(document).Inc()
}

// Skipped records a dropped remote message
func (m *Metrics) Skipped(document, reason string) {
	if m == nil {
		return
	}
	m.PullSkipped.WithLabelValues(document, reason).Inc()
}

// Status records a status transition
func (m *Metrics) Status(document, status string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(document, status).Inc()
}

// Reconnect records a reconnect attempt
func (m *Metrics) Reconnect(document string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(document).Inc()
}

// TransferProgress records n bytes sent or received
func (m *Metrics) TransferProgress(direction string, n int) {
	if m == nil {
		return
	}
	m.TransferBytes.WithLabelValues(direction).Add(float64(n))
}

// TransferDone records a finished transfer
func (m *Metrics) TransferDone(direction, outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(direction, outcome).Inc()
}

// RelayConnected adjusts the open connection gauge by delta
func (m *Metrics) RelayConnected(delta int) {
	if m == nil {
		return
	}
	m.RelayConnections.Add(float64(delta))
}

// RelayRoomsOpen sets the number of active rooms
func (m *Metrics) RelayRoomsOpen(n int) {
	if m == nil {
		return
	}
	m.RelayRooms.Set(float64(n))
}

// RelayBroadcast records a fanned out frame
func (m *Metrics) RelayBroadcast(frameType string) {
	if m == nil {
		return
	}
	m.RelayBroadcasts.WithLabelValues(frameType).Inc()
}
