package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MemoryStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyra_memory_stores_total",
			Help: "Total memory store operations by class and outcome",
		},
		[]string{"class", "outcome"},
	)

	MemoryRetrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyra_memory_retrievals_total",
			Help: "Total memory retrieve operations by outcome",
		},
		[]string{"outcome"},
	)

	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "lyra_memory_retrieval_duration_seconds",
			Help: "End-to-end retrieval latency in seconds",
		},
	)

	Degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyra_degradations_total",
			Help: "Degraded-path activations by dependency (scoring, embedding, vector-store)",
		},
		[]string{"dependency"},
	)

	ScoreCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyra_importance_cache_total",
			Help: "Importance score cache lookups by result",
		},
		[]string{"result"},
	)

	ConsolidationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyra_consolidation_runs_total",
			Help: "Consolidation runs by terminal status",
		},
		[]string{"status"},
	)

	ConsolidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "lyra_consolidation_duration_seconds",
			Help: "Per-user consolidation run duration in seconds",
		},
	)

	SemanticMemoriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lyra_semantic_memories_created_total",
			Help: "Semantic memories written by consolidation",
		},
	)

	DeferredQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lyra_deferred_store_queue_depth",
			Help: "Pending deferred memory writes awaiting retry",
		},
	)

	PADDeltas = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lyra_pad_deltas_total",
			Help: "Interaction PAD delta applications",
		},
	)
)
