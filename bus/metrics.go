package bus

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_bus_published_events_total",
		Help: "Delivery events published, by type.",
	}, []string{"type"})

	droppedSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "minichat_bus_dropped_subscribers_total",
		Help: "Subscribers disconnected for falling behind.",
	})

	openSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_bus_open_subscribers",
		Help: "Currently open subscribers.",
	})
)

func init() {
	prometheus.MustRegister(publishedEvents, droppedSubscribers, openSubscribers)
}
