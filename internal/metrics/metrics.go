// Package metrics exposes process-wide prometheus collectors for the voice
// subsystem. Cardinality is fixed; nothing here is labeled per user or room.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voice",
		Name:      "sessions_active",
		Help:      "Signaling sessions currently connected.",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voice",
		Name:      "rooms_active",
		Help:      "Voice rooms currently hosted locally.",
	})

	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voice",
		Name:      "agents_registered",
		Help:      "Remote media agents currently registered.",
	})

	UDPPacketsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voice",
		Subsystem: "udp",
		Name:      "packets_forwarded_total",
		Help:      "Voice packets re-encrypted and forwarded by the legacy relay.",
	})

	UDPDecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voice",
		Subsystem: "udp",
		Name:      "decrypt_failures_total",
		Help:      "Voice packets dropped because authentication failed.",
	})

	ProducersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voice",
		Subsystem: "sfu",
		Name:      "producers_created_total",
		Help:      "Producers created across all rooms.",
	})

	PublishTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voice",
		Subsystem: "sfu",
		Name:      "publish_timeouts_total",
		Help:      "Publishes abandoned waiting for the transport to connect.",
	})
)
