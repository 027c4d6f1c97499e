package ws

import "github.com/prometheus/client_golang/prometheus"

var openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "minichat_ws_open_sessions",
	Help: "Number of live websocket sessions on this node.",
})

func init() {
	prometheus.MustRegister(openSessions)
}
