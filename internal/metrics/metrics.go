// Package metrics holds the prometheus collectors shared across the
// workbench. Components increment them inline; nothing in here drives
// behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_orders_submitted_total",
			Help: "Total number of orders submitted to the broker (by side).",
		},
		[]string{"side"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_orders_filled_total",
			Help: "Total number of orders filled (by side).",
		},
		[]string{"side"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_orders_rejected_total",
			Help: "Total number of orders rejected by the risk gate or broker (by side).",
		},
		[]string{"side"},
	)

	RiskAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_risk_alerts_total",
			Help: "Total number of risk alerts emitted (by level).",
		},
		[]string{"level"},
	)

	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_feed_events_total",
			Help: "Total number of market-data events fanned out (by type).",
		},
		[]string{"type"},
	)

	FeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_feed_errors_total",
			Help: "Total number of data-source errors (by source).",
		},
		[]string{"source"},
	)

	BrokerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantdesk_broker_request_errors_total",
			Help: "Total number of failed broker API requests.",
		},
	)

	EquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantdesk_equity",
			Help: "Current total account value (cash plus market value).",
		},
	)

	CashGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantdesk_cash",
			Help: "Current available cash.",
		},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantdesk_positions_open",
			Help: "Current number of open positions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersFilled,
		OrdersRejected,
		RiskAlerts,
		FeedEvents,
		FeedErrors,
		BrokerErrors,
		EquityGauge,
		CashGauge,
		PositionsOpen,
	)
}
