package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LogsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailog_logs_processed_total",
			Help: "Total logs processed by the realtime pipeline",
		},
		[]string{"status"},
	)

	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ailog_pipeline_duration_seconds",
			Help:    "Realtime pipeline duration per log in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailog_verdicts_total",
			Help: "Detection verdicts by method",
		},
		[]string{"method"},
	)

	Escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailog_escalations_total",
			Help: "Logs escalated to the semantic tier",
		},
	)

	AnomalyScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ailog_fast_anomaly_score",
			Help:    "Fast tier anomaly scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	BudgetReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailog_budget_reservations_total",
			Help: "Admitted budget reservations",
		},
	)

	BudgetRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailog_budget_rejections_total",
			Help: "Rejected budget reservations",
		},
	)

	BudgetSpentUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ailog_budget_spent_usd",
			Help: "Metered provider spend for the current UTC day",
		},
	)

	EmbeddingCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailog_embedding_cache_hits_total",
			Help: "Embedding cache hits",
		},
	)

	EmbeddingCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailog_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailog_llm_tokens_total",
			Help: "Provider tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailog_llm_cost_usd_total",
			Help: "Estimated provider cost in USD",
		},
		[]string{"model"},
	)

	ClusterRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailog_cluster_runs_total",
			Help: "Batch clustering runs by status",
		},
		[]string{"status"},
	)

	ClusterOutliers = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ailog_cluster_outliers",
			Help:    "Outliers per clustering run",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	SweepValidationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailog_sweep_validation_errors_total",
			Help: "Outlier validations that fell back during sweeps",
		},
	)

	PIIEntitiesRedacted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailog_pii_entities_redacted_total",
			Help: "PII entities redacted by type",
		},
		[]string{"entity_type"},
	)
)

func Init() {
	prometheus.MustRegister(LogsProcessed)
	prometheus.MustRegister(PipelineDuration)
	prometheus.MustRegister(VerdictsTotal)
	prometheus.MustRegister(Escalations)
	prometheus.MustRegister(AnomalyScore)
	prometheus.MustRegister(BudgetReservations)
	prometheus.MustRegister(BudgetRejections)
	prometheus.MustRegister(BudgetSpentUSD)
	prometheus.MustRegister(EmbeddingCacheHits)
	prometheus.MustRegister(EmbeddingCacheMisses)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(LLMCost)
	prometheus.MustRegister(ClusterRuns)
	prometheus.MustRegister(ClusterOutliers)
	prometheus.MustRegister(SweepValidationErrors)
	prometheus.MustRegister(PIIEntitiesRedacted)
}

func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
