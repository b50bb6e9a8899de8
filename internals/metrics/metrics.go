package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Resource graph
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_rooms_total",
		Help: "Number of live rooms on this instance",
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_peers_total",
		Help: "Number of connected peers across all rooms",
	})

	ActiveProducers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signaling_active_producers",
		Help: "Number of live producers by kind",
	}, []string{"kind"})

	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_consumers_total",
		Help: "Number of live consumers",
	})

	TransportsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_transports_created_total",
		Help: "Total transports created by direction",
	}, []string{"direction"})

	// Protocol traffic
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_received_total",
		Help: "Total envelopes received by type",
	}, []string{"type"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_messages_sent_total",
		Help: "Total envelopes sent to clients",
	})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_protocol_errors_total",
		Help: "Total ERROR envelopes sent back to clients",
	})

	// Fan-out bus
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_bus_published_total",
		Help: "Total messages published to the fan-out bus",
	})

	BusForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_bus_forwarded_total",
		Help: "Total bus messages forwarded to local peers",
	})

	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_bus_dropped_total",
		Help: "Total bus messages dropped (own instance or unknown room)",
	})

	// Active speaker detection
	SpeakerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_speaker_ticks_total",
		Help: "Total active-speaker broadcasts emitted",
	})
)
