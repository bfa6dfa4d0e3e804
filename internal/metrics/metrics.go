package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest-side collectors. Labels stay low-cardinality: job names and
// timeframes only, never tickers.
var (
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vietmarket",
		Subsystem: "ingest",
		Name:      "pages_fetched_total",
		Help:      "Source API pages fetched, by job and outcome.",
	}, []string{"job", "outcome"})

	CandlesUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vietmarket",
		Subsystem: "ingest",
		Name:      "candles_upserted_total",
		Help:      "Candle rows written, by timeframe.",
	}, []string{"tf"})

	ArticlesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vietmarket",
		Subsystem: "news",
		Name:      "articles_fetched_total",
		Help:      "Article fetch attempts, by outcome and method.",
	}, []string{"outcome", "method"})

	RepairQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vietmarket",
		Subsystem: "repair",
		Name:      "queue_depth",
		Help:      "Candle repair queue rows by status.",
	}, []string{"status"})

	LeaseClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vietmarket",
		Subsystem: "lease",
		Name:      "claims_total",
		Help:      "Lease claim attempts, by job and outcome.",
	}, []string{"job", "outcome"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vietmarket",
		Subsystem: "ingest",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of worker runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"job"})
)

// Query-service collectors.
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vietmarket",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests, by route and status code.",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vietmarket",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
