// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons recorded for dropped datagrams.
const (
	dropDecode   = "decode"
	dropTruncate = "truncated"
	dropOversize = "oversize"
	dropForeign  = "foreign_host"
	dropDup      = "duplicate"
	dropLateEcho = "late_echo"
)

// Metrics records communicator activity.
type Metrics struct {
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec // by reason
	Echoes            prometheus.Counter     // pending sends confirmed
	ConfirmTimeouts   prometheus.Counter     // pending sends that timed out
	EventsDelivered   prometheus.Counter     // fresh messages delivered
	CallbacksFailed   prometheus.Counter     // handlers that panicked
	PendingSends      prometheus.Gauge
}

// DefaultMetrics is shared by all communicators that do not specify their own
// metrics. It is registered with the default Prometheus registry.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates a new set of metrics registered with reg. If reg == nil
// the metrics are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns = "rigcom"
	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from the socket.",
		}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams written to the socket, including echoes.",
		}),
		DatagramsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams received and discarded, by reason.",
		}, []string{"reason"}),
		Echoes: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "echoes_total",
			Help:      "Sent messages confirmed by an echo.",
		}),
		ConfirmTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "confirm_timeouts_total",
			Help:      "Sent messages not echoed before the deadline.",
		}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_delivered_total",
			Help:      "Fresh messages delivered to callbacks and waiters.",
		}),
		CallbacksFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "callbacks_failed_total",
			Help:      "Callbacks that panicked.",
		}),
		PendingSends: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_sends",
			Help:      "Sent messages awaiting an echo.",
		}),
	}
}

func (m *Metrics) drop(reason string) { m.DatagramsDropped.WithLabelValues(reason).Inc() }
