package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrubproxy",
		Name:      "requests_total",
		Help:      "Requests accepted by the dispatcher, by direction and outcome.",
	}, []string{"direction", "outcome"})

	openTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrubproxy",
		Name:      "open_tunnels",
		Help:      "CONNECT tunnels currently established.",
	})

	tunnelBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrubproxy",
		Name:      "tunnel_bytes_total",
		Help:      "Bytes copied through CONNECT tunnels, by direction.",
	}, []string{"direction"})

	redactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrubproxy",
		Name:      "redactions_total",
		Help:      "Pattern matches replaced in relayed response bodies.",
	}, []string{"pattern"})

	sseEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scrubproxy",
		Name:      "sse_events_total",
		Help:      "Server-Sent Events decoded from relayed responses.",
	})
)
