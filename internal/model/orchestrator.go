package model

import "time"

type AITask string

const (
	TaskSummaryIntent  AITask = "summary_intent"
	TaskThreadSummary  AITask = "thread_summary"
	TaskDailyDigest    AITask = "daily_digest"
	TaskActionDecision AITask = "action_decision"
)

type Strategy string

const (
	StrategyShortCircuit  Strategy = "heuristic_short_circuit"
	StrategyCacheHit      Strategy = "cache_hit"
	StrategyLLM           Strategy = "llm"
	StrategyStaleRecovery Strategy = "cache_stale_recovery"
	StrategyFallback      Strategy = "fallback"
)

// Meta 附在每个 AI 编排结果上
type Meta struct {
	Task       AITask   `json:"task"`
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
	Model      string   `json:"model,omitempty"`
	Cached     bool     `json:"cached"`
	DurationMs int64    `json:"durationMs"`
	Error      string   `json:"error,omitempty"`
}

// StatusEntry 是遥测环形缓冲中的一条
type StatusEntry struct {
	At         time.Time         `json:"at"`
	Task       AITask            `json:"task"`
	Strategy   Strategy          `json:"strategy"`
	Confidence float64           `json:"confidence"`
	Model      string            `json:"model,omitempty"`
	LatencyMs  int64             `json:"latencyMs"`
	Cached     bool              `json:"cached"`
	Error      string            `json:"error,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}
