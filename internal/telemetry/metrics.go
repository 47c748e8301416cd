// Package telemetry exposes Prometheus metrics and the alert sink.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_total",
			Help: "Total number of jobs processed, labeled by queue and status.",
		},
		[]string{"queue", "status"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_job_duration_seconds",
			Help:    "Histogram of job execution durations, labeled by queue.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"queue"},
	)

	pagesScrapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_pages_scraped_total",
			Help: "Total number of pages fetched by crawl jobs.",
		},
	)

	embeddingsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_embeddings_created_total",
			Help: "Total number of embedding vectors written.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_rate_limit_delay_seconds",
			Help:    "Histogram of worker rate limit wait durations, labeled by queue.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)

	brokerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_broker_circuit_state",
			Help: "Circuit breaker state of the cache/broker: 0 closed, 1 half-open, 2 open.",
		},
	)

	cacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_ops_total",
			Help: "Cache operations, labeled by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

// ObserveJob records one finished job.
func ObserveJob(queue, status string, d time.Duration) {
	jobsTotal.WithLabelValues(queue, status).Inc()
	jobDurationSeconds.WithLabelValues(queue).Observe(d.Seconds())
}

// AddPagesScraped increments the page counter.
func AddPagesScraped(n int) {
	pagesScrapedTotal.Add(float64(n))
}

// AddEmbeddingsCreated increments the embedding counter.
func AddEmbeddingsCreated(n int) {
	embeddingsCreatedTotal.Add(float64(n))
}

// ObserveRateLimitDelay records time a worker spent waiting on its limiter.
func ObserveRateLimitDelay(queue string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(queue).Observe(d.Seconds())
}

// SetBrokerState publishes the breaker state gauge.
func SetBrokerState(state int) {
	brokerState.Set(float64(state))
}

// CountCacheOp records a cache operation outcome.
func CountCacheOp(op, outcome string) {
	cacheOpsTotal.WithLabelValues(op, outcome).Inc()
}
