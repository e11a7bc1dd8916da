package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the donation checkout and settlement flow
var (
	DonationsInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donations_initiated_total",
			Help: "Total number of donations accepted by a payment provider",
		},
		[]string{"rail"},
	)

	DonationInitiationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_initiation_failures_total",
			Help: "Total number of donation initiations that failed",
		},
		[]string{"rail", "kind"},
	)

	DonationSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_settlements_total",
			Help: "Total number of donations moved to a terminal status",
		},
		[]string{"rail", "status", "source"},
	)

	ReconciliationAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_reconciliation_anomalies_total",
			Help: "Total number of settlement signals that could not be applied",
		},
		[]string{"reason"},
	)

	PollTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_poll_timeouts_total",
			Help: "Total number of settlement poll loops that ran out of attempts",
		},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_request_duration_seconds",
			Help:    "Duration of outbound payment provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	TasksExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_tasks_executed_total",
			Help: "Total number of scheduled task executions by outcome",
		},
		[]string{"task", "status"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DonationsInitiatedTotal)
		prometheus.MustRegister(DonationInitiationFailuresTotal)
		prometheus.MustRegister(DonationSettlementsTotal)
		prometheus.MustRegister(ReconciliationAnomaliesTotal)
		prometheus.MustRegister(PollTimeoutsTotal)
		prometheus.MustRegister(ProviderRequestDuration)
		prometheus.MustRegister(TasksExecutedTotal)
	})
}
