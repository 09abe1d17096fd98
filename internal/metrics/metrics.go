// Package metrics provides the Prometheus collectors of the balancer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Listener
var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hbbalancer_connections_accepted_total",
		Help: "Total client connections accepted",
	})

	ConnectionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_connections_denied_total",
		Help: "Client connections closed on accept",
	}, []string{"reason"}) // rate_limited, too_many_sessions

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hbbalancer_sessions_active",
		Help: "Number of open routing sessions",
	})
)

// Handshakes
var (
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_handshakes_total",
		Help: "Handshake outcomes by request kind",
	}, []string{"kind", "outcome", "reason"})

	HandshakeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hbbalancer_handshake_duration_seconds",
		Help:    "Time from request to the response written to the client",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	WorldRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_world_requests_total",
		Help: "Requests per requested world name",
	}, []string{"world", "found"})
)

// Backends
var (
	BackendConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hbbalancer_backend_connect_duration_seconds",
		Help:    "Backend dial latency",
		Buckets: prometheus.DefBuckets,
	})

	BackendConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_backend_connect_failures_total",
		Help: "Backend dials that failed or timed out",
	}, []string{"backend"})

	BackendUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hbbalancer_backend_up",
		Help: "1 if the last health probe reached the backend, 0 otherwise",
	}, []string{"world", "backend"})

	BackendProbeLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hbbalancer_backend_probe_latency_seconds",
		Help: "Latency of the last successful health probe",
	}, []string{"world", "backend"})
)

// Frames
var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_frames_received_total",
		Help: "Frames decoded per leg",
	}, []string{"leg"}) // client, backend

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_frames_sent_total",
		Help: "Frames written per leg",
	}, []string{"leg"})

	MalformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbbalancer_malformed_frames_total",
		Help: "Frames rejected by the codec per leg",
	}, []string{"leg"})
)

// Audit log
var (
	AuditRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hbbalancer_audit_records_total",
		Help: "Handshake records written to the audit log",
	})

	AuditPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hbbalancer_audit_pruned_total",
		Help: "Handshake records removed by retention pruning",
	})
)

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ObserveWorldRequest counts a directory lookup. Names that miss the directory
// come from clients and are folded into a single label value.
func ObserveWorldRequest(world string, found bool) {
	if !found {
		world = "unknown"
	}
	WorldRequests.WithLabelValues(world, boolLabel(found)).Inc()
}
