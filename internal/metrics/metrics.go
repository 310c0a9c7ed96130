// Package metrics holds the Prometheus collectors shared across the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming client metrics
	StreamRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assist",
			Subsystem: "stream",
			Name:      "retries_total",
			Help:      "Total number of stream reconnection attempts",
		},
	)

	StreamFatalFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assist",
			Subsystem: "stream",
			Name:      "fatal_failures_total",
			Help:      "Total number of streams terminated by a fatal error",
		},
	)

	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assist",
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Total number of text chunks received from the backend",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "assist",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of answer streams currently open",
		},
	)

	// Plain API call metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assist",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of backend API requests",
		},
		[]string{"endpoint"},
	)

	APIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assist",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Total number of failed backend API requests",
		},
		[]string{"endpoint"},
	)

	// Embedded-window bridge metrics
	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "Number of embedded applications currently connected",
		},
	)

	BridgeDroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "dropped_messages_total",
			Help:      "Total number of inbound messages dropped by the origin policy",
		},
	)

	BridgeLoadTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "window",
			Name:      "load_timeouts_total",
			Help:      "Total number of embedded windows that hit the load timeout",
		},
	)
)
