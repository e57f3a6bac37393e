package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_connections",
		Help: "Current number of open client connections",
	})
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_sessions",
		Help: "Current number of authenticated sessions",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_messages_total",
		Help: "Total number of group messages persisted",
	}, []string{"type"})
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_deliveries_total",
		Help: "Per-recipient fan-out outcomes",
	}, []string{"outcome"})
	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_evictions_total",
		Help: "Sessions replaced by a newer login of the same user",
	})
	ProtocolErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_protocol_errors_total",
		Help: "Rejected inbound frames by reason",
	}, []string{"reason"})
	AuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_auth_total",
		Help: "Login and register attempts by result",
	}, []string{"op", "result"})
)

// Delivery outcomes.
const (
	Delivered = "delivered"
	Pending   = "pending"
	Failed    = "failed"
	Drained   = "drained"
)

func init() {
	prometheus.MustRegister(Connections, Sessions, MessagesTotal, DeliveriesTotal,
		EvictionsTotal, ProtocolErrorsTotal, AuthTotal)
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
