package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigmamail_mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// LLM / embedding 外部调用延迟（毫秒）
	CollaboratorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigmamail_collaborator_latency_ms",
			Help:    "External collaborator (llm, embedding) call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		},
		[]string{"collaborator", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigmamail_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sigmamail_db_slow_query_total",
			Help: "Number of queries slower than the configured threshold",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigmamail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 动作判定结果计数
	ActionDecisionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmamail_action_decision_total",
			Help: "Action detector positives",
		},
		[]string{"signal"}, // needs_reply, deadline, follow_up, overdue
	)

	CategoryAssignedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmamail_category_assigned_total",
			Help: "Top category assigned by the classification engine",
		},
		[]string{"category"},
	)

	// AI 编排结果计数
	AIOrchestrationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmamail_ai_orchestration_total",
			Help: "AI orchestrator outcomes by task and strategy",
		},
		[]string{"task", "strategy"},
	)

	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmamail_email_processed_total",
			Help: "Total number of emails triaged",
		},
		[]string{"status"}, // success, failed
	)

	FeedbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmamail_feedback_total",
			Help: "User category corrections",
		},
		[]string{"category"},
	)
)

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordCollaboratorLatency 记录外部依赖调用延迟
func RecordCollaboratorLatency(collaborator, status string, duration time.Duration) {
	CollaboratorLatency.WithLabelValues(collaborator, status).Observe(float64(duration.Milliseconds()))
}

func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 慢查询计数
func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementActionDecision(signal string) {
	ActionDecisionCount.WithLabelValues(signal).Inc()
}

func IncrementCategoryAssigned(category string) {
	CategoryAssignedCount.WithLabelValues(category).Inc()
}

func IncrementAIOrchestration(task, strategy string) {
	AIOrchestrationCount.WithLabelValues(task, strategy).Inc()
}

func IncrementEmailProcessed(status string) {
	EmailProcessedCount.WithLabelValues(status).Inc()
}

func IncrementFeedback(category string) {
	FeedbackCount.WithLabelValues(category).Inc()
}
