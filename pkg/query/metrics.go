package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for query and mutation coordinators.
var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_fetches_total",
		Help: "Total query fetches by result",
	}, []string{"result"}) // "success", "error", "superseded", "skipped"

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querycache_fetch_duration_seconds",
		Help:    "Duration of query fetch functions in seconds",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	coalescedFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycache_coalesced_fetches_total",
		Help: "Total fetches that shared an in-flight fetch from another query",
	})

	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_mutations_total",
		Help: "Total mutations by result",
	}, []string{"result"}) // "success", "error"

	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_invalidations_total",
		Help: "Total cache invalidations by source",
	}, []string{"source"}) // "query", "mutation"
)
