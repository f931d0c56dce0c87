// Package metrics defines the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_sessions",
		Help:      "Number of currently open client sessions.",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "sessions_rejected_total",
		Help:      "Sessions rejected at accept time because the concurrency cap was reached.",
	})

	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "handshake_failures_total",
		Help:      "Noise handshakes that did not reach transport mode.",
	})

	RouterReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "router_reconnects_total",
		Help:      "Downstream router connections (re)established.",
	})

	RouterHealthEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "router_health_evictions_total",
		Help:      "Downstream connections evicted by the router health-check loop.",
	})

	RecordsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "records_relayed_total",
		Help:      "Encrypted records sent to clients, labeled by dispatcher mode.",
	}, []string{"mode"})
)
