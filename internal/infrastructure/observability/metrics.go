package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	PacksConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packs_consumed_total",
			Help: "Total packs consumed, labelled by source",
		},
		[]string{"source"},
	)

	PurchasesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "purchases_expired_total",
			Help: "Total purchases flipped to expired by the sweep",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(RepositoryCalls, RepositoryDuration, PacksConsumed, PurchasesExpired)
}
