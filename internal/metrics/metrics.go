// SPDX-License-Identifier: MIT

// Package metrics declares the Prometheus instruments for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestEventsTotal counts normalized events per type and source.
	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwall_ingest_events_total",
		Help: "Normalized upstream events by type, source and arbitration outcome",
	}, []string{"type", "source", "outcome"})

	// IngestMalformedTotal counts discarded upstream payloads.
	IngestMalformedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwall_ingest_malformed_total",
		Help: "Upstream payloads discarded as malformed, by transport",
	}, []string{"transport"})

	// BroadcastDroppedTotal counts frames dropped to slow subscribers.
	BroadcastDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwall_broadcast_dropped_total",
		Help: "Broadcast frames dropped due to full client queues",
	}, []string{"room", "event"})

	// ConnectedClients tracks the current WebSocket subscriber count.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pitwall_connected_clients",
		Help: "Currently connected WebSocket clients",
	})

	// SessionActive is 1 while a session (live or replay) is active.
	SessionActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pitwall_session_active",
		Help: "Whether a session is currently active, by kind",
	}, []string{"kind"})

	// GeometryBuildDuration tracks centerline rebuild latency.
	GeometryBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pitwall_geometry_build_duration_seconds",
		Help:    "Time taken to rebuild the track centerline",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	// GeometryPathVersion reports the current baseline path version.
	GeometryPathVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pitwall_geometry_path_version",
		Help: "Version counter of the active baseline path",
	})

	// PersistOpsTotal counts storage operations by kind and result.
	PersistOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwall_persist_ops_total",
		Help: "Storage operations by kind and result",
	}, []string{"kind", "result"})

	// UpstreamConnState reports per-transport connection status.
	UpstreamConnState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pitwall_upstream_connected",
		Help: "Upstream transport connection state (1 connected, 0 down)",
	}, []string{"transport"})

	// ReplayGeneration reports the current replay generation counter.
	ReplayGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pitwall_replay_generation",
		Help: "Current replay generation counter",
	})
)

// IncIngest records a normalized event and its arbitration outcome.
func IncIngest(eventType, source, outcome string) {
	IngestEventsTotal.WithLabelValues(eventType, source, outcome).Inc()
}

// IncMalformed records a discarded upstream payload.
func IncMalformed(transport string) {
	IngestMalformedTotal.WithLabelValues(transport).Inc()
}

// IncBroadcastDrop records a frame dropped for one slow client.
func IncBroadcastDrop(room, event string) {
	if room == "" {
		room = "unknown"
	}
	BroadcastDroppedTotal.WithLabelValues(room, event).Inc()
}

// SetConnectedClients updates the subscriber gauge.
func SetConnectedClients(n int) {
	ConnectedClients.Set(float64(n))
}

// SetSessionActive flips the session gauge for the given kind
// ("live" or "replay").
func SetSessionActive(kind string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	SessionActive.WithLabelValues(kind).Set(v)
}

// IncPersist records a storage operation outcome.
func IncPersist(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PersistOpsTotal.WithLabelValues(kind, result).Inc()
}

// SetUpstreamConnected flips a transport's connection gauge.
func SetUpstreamConnected(transport string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	UpstreamConnState.WithLabelValues(transport).Set(v)
}
