// Package metrics exposes Prometheus instrumentation for the credit ledger
// and blocking coordinator.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Ledger metrics
	CreditsSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stridegate_credits_spent_minutes_total",
			Help: "Total credit minutes spent on manual unlock sessions",
		},
	)

	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stridegate_credits_refunded_minutes_total",
			Help: "Total credit minutes refunded by early re-engagement",
		},
	)

	CreditsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stridegate_credits_available_minutes",
			Help: "Currently available credit minutes for today",
		},
	)

	StepsSynced = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stridegate_steps_synced",
			Help: "Last synced absolute daily activity total",
		},
	)

	// Session metrics
	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stridegate_manual_sessions_started_total",
			Help: "Total manual unlock sessions started",
		},
	)

	SessionsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stridegate_manual_sessions_ended_total",
			Help: "Total manual unlock sessions ended",
		},
		[]string{"cause"}, // "expired" or "reengaged"
	)

	SpendRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stridegate_spend_rejections_total",
			Help: "Total spend attempts rejected for insufficient credits",
		},
	)

	// Enforcement metrics
	ShieldEngagementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stridegate_shield_engagements_total",
			Help: "Total shield engage operations by the enforcement agent",
		},
	)

	BusPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stridegate_bus_publishes_total",
			Help: "Total state bus publishes",
		},
		[]string{"result"}, // "ok" or "error"
	)
)

// Register registers all metrics with the default registry.
// Call once at startup.
func Register() {
	prometheus.MustRegister(
		CreditsSpentTotal,
		CreditsRefundedTotal,
		CreditsAvailable,
		StepsSynced,
		SessionsStartedTotal,
		SessionsExpiredTotal,
		SpendRejectionsTotal,
		ShieldEngagementsTotal,
		BusPublishesTotal,
	)
}

// Serve starts the /metrics HTTP endpoint. Blocks until the listener fails
// or is closed.
func Serve(addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	return http.Serve(listener, mux)
}
