package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knowledge_rag_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"conversation_type"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_rag_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowledge_rag_confidence_score",
			Help:    "Response confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	GraphMatchesCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowledge_rag_graph_matches_count",
			Help:    "Number of graph matches per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_rag_documents_processed_total",
			Help: "Total documents processed by ingestion status",
		},
		[]string{"status"},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_rag_feedback_total",
			Help: "Total feedback submissions by sentiment",
		},
		[]string{"sentiment"},
	)

	TrainingSamplesCollected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knowledge_rag_training_samples_collected_total",
			Help: "Total training samples written to datasets",
		},
	)

	FinetuneJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_rag_finetune_jobs_total",
			Help: "Total fine-tuning jobs by submission status",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	GraphNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "knowledge_rag_graph_nodes_total",
			Help: "Node counts in the knowledge graph by label",
		},
		[]string{"label"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(GraphMatchesCount)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(FeedbackTotal)
	prometheus.MustRegister(TrainingSamplesCollected)
	prometheus.MustRegister(FinetuneJobsTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(GraphNodesTotal)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
