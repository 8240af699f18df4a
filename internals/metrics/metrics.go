package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms and peers
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confab_rooms_active",
		Help: "Number of open rooms",
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confab_peers_active",
		Help: "Number of joining or joined peers across all rooms",
	})

	ActiveBroadcasters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confab_broadcasters_active",
		Help: "Number of broadcaster peers across all rooms",
	})

	RoomCreationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "confab_room_creation_seconds",
		Help:    "Time spent creating a room on the scheduler queue",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// Fan-out
	ConsumersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confab_consumers_created_total",
		Help: "Total engine consumers created by the fan-out engine",
	})

	ConsumerFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confab_consumer_failures_total",
		Help: "Total per-target consumer creation failures",
	})

	DataConsumersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confab_data_consumers_created_total",
		Help: "Total engine data consumers created by the fan-out engine",
	})

	// Signaling
	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confab_signaling_messages_received_total",
		Help: "Total signaling messages received from peers",
	})

	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confab_signaling_messages_sent_total",
		Help: "Total signaling messages sent to peers",
	})

	RequestsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confab_signaling_requests_rejected_total",
		Help: "Total rejected signaling requests by error kind",
	}, []string{"kind"})

	// Workers
	WorkerDeathsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confab_worker_deaths_total",
		Help: "Total unexpected media worker deaths",
	})

	// Throttle
	ThrottleEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confab_network_throttle_enabled",
		Help: "Whether the network throttle is currently enabled (0 or 1)",
	})
)

// Helper functions

func RecordRejection(kind string) {
	RequestsRejectedTotal.WithLabelValues(kind).Inc()
}

func RecordThrottle(enabled bool) {
	if enabled {
		ThrottleEnabled.Set(1)
	} else {
		ThrottleEnabled.Set(0)
	}
}
