package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bimquery_questions_total",
			Help: "Total number of answered questions by intent.",
		},
		[]string{"intent"},
	)
	taskExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bimquery_task_executions_total",
			Help: "Total number of executed query tasks by task kind.",
		},
		[]string{"task"},
	)
	reasoningLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bimquery_reasoning_latency_seconds",
			Help:    "Latency of reasoning service calls by call kind.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"call"},
	)
	semanticDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bimquery_semantic_search_degraded_total",
			Help: "Total number of requests where semantic candidate restriction was degraded to unrestricted.",
		},
	)
	planDowngradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bimquery_plan_downgrades_total",
			Help: "Total number of sanitizer downgrades by plan field.",
		},
		[]string{"field"},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		taskExecutionsTotal,
		reasoningLatencySeconds,
		semanticDegradedTotal,
		planDowngradesTotal,
	)
}

func ObserveQuestion(intent string) {
	questionsTotal.WithLabelValues(intent).Inc()
}

func ObserveTaskExecution(task string) {
	taskExecutionsTotal.WithLabelValues(task).Inc()
}

func ObserveReasoningCall(call string, elapsed time.Duration) {
	reasoningLatencySeconds.WithLabelValues(call).Observe(elapsed.Seconds())
}

func IncrementSemanticDegraded() {
	semanticDegradedTotal.Inc()
}

func IncrementPlanDowngrade(field string) {
	planDowngradesTotal.WithLabelValues(field).Inc()
}
