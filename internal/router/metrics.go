package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Labels.
	LabelIface  = "iface"
	LabelType   = "type"
	LabelReason = "reason"
	LabelKind   = "kind"
	LabelResult = "result"
)

type Metrics struct {
	PacketsRX        *prometheus.CounterVec
	PacketsTX        *prometheus.CounterVec
	PacketsInvalid   *prometheus.CounterVec
	SendErrors       *prometheus.CounterVec
	HandleRxDuration *prometheus.HistogramVec
	Routes           *prometheus.GaugeVec
	Neighbors        *prometheus.GaugeVec
	KernelSyncs      prometheus.Counter
	DRChanges        *prometheus.CounterVec
	BSRChanges       prometheus.Counter
	Asserts          *prometheus.CounterVec
	RegistersSent    prometheus.Counter
	RegisterStops    prometheus.Counter
	JoinPruneSent    *prometheus.CounterVec
	JoinsSuppressed  prometheus.Counter
	Dropped          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		PacketsRX: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_packets_rx_total",
				Help: "Count of PIM messages received by type",
			},
			[]string{LabelType},
		),
		PacketsTX: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_packets_tx_total",
				Help: "Count of PIM messages sent by type",
			},
			[]string{LabelType},
		),
		PacketsInvalid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_packets_invalid_total",
				Help: "Count of PIM messages dropped as malformed or unacceptable, by reason",
			},
			[]string{LabelReason},
		),
		SendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_send_errors_total",
				Help: "Count of PIM messages that failed to send, by type",
			},
			[]string{LabelType},
		),
		HandleRxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pimd_handle_rx_duration_seconds",
				Help:    "Time spent handling one received message, by type",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
			[]string{LabelType},
		),
		Routes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pimd_routes",
				Help: "Current number of multicast route entries by kind",
			},
			[]string{LabelKind},
		),
		Neighbors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pimd_neighbors",
				Help: "Current number of PIM neighbors by interface",
			},
			[]string{LabelIface},
		),
		KernelSyncs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pimd_kernel_syncs_total",
				Help: "Count of forwarding cache updates pushed to the kernel",
			},
		),
		DRChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_dr_changes_total",
				Help: "Count of designated router changes by interface",
			},
			[]string{LabelIface},
		),
		BSRChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pimd_bsr_changes_total",
				Help: "Count of bootstrap router changes",
			},
		),
		Asserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_asserts_total",
				Help: "Count of assert resolutions on outgoing interfaces by result",
			},
			[]string{LabelResult},
		),
		RegistersSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pimd_registers_sent_total",
				Help: "Count of Register messages sent, NULL-Registers included",
			},
		),
		RegisterStops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pimd_register_stops_sent_total",
				Help: "Count of Register-Stop messages sent",
			},
		),
		JoinPruneSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_join_prune_sent_total",
				Help: "Count of Join/Prune messages sent by interface",
			},
			[]string{LabelIface},
		),
		JoinsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pimd_joins_suppressed_total",
				Help: "Count of Join refreshes and overrides suppressed by an overheard Join",
			},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pimd_dropped_total",
				Help: "Count of state or packets dropped on a resource limit, by reason",
			},
			[]string{LabelReason},
		),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.PacketsRX,
		m.PacketsTX,
		m.PacketsInvalid,
		m.SendErrors,
		m.HandleRxDuration,
		m.Routes,
		m.Neighbors,
		m.KernelSyncs,
		m.DRChanges,
		m.BSRChanges,
		m.Asserts,
		m.RegistersSent,
		m.RegisterStops,
		m.JoinPruneSent,
		m.JoinsSuppressed,
		m.Dropped,
	)
}
