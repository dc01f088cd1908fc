package config

import (
	"os"
	"strings"
	"time"

	pkgconfig "sigmamail/pkg/config"
)

// ApplyEnv 环境变量优先级最高
func ApplyEnv(cfg *Config) {
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	overrideAction(&cfg.Action)
	overrideClassifier(&cfg.Classifier)
	overrideAI(&cfg.AI)
	overrideLLM(&cfg.LLM)

	if v := os.Getenv("EMBEDDING_URL"); v != "" {
		cfg.Embedding.URL = v
	}
}

func overrideAction(a *ActionConfig) {
	floatEnv(&a.NeedsReplyThreshold, "ACTION_NEEDS_REPLY_THRESHOLD")
	floatEnv(&a.DeadlineThreshold, "ACTION_DEADLINE_THRESHOLD")
	floatEnv(&a.FollowUpOverdueHours, "ACTION_FOLLOWUP_OVERDUE_HOURS")
}

func overrideClassifier(c *ClassifierConfig) {
	floatEnv(&c.Weights.Heuristic, "CLASSIFIER_W_HEURISTIC")
	floatEnv(&c.Weights.Phrase, "CLASSIFIER_W_PHRASE")
	floatEnv(&c.Weights.Semantic, "CLASSIFIER_W_SEMANTIC")
	floatEnv(&c.Weights.Structural, "CLASSIFIER_W_STRUCTURAL")
	floatEnv(&c.Weights.Exclusion, "CLASSIFIER_W_EXCLUSION")
	floatEnv(&c.Weights.Feedback, "CLASSIFIER_W_FEEDBACK")

	intEnv(&c.Structural.LinkHeavy, "CLASSIFIER_STRUCT_LINKS")
	intEnv(&c.Structural.TableHeavy, "CLASSIFIER_STRUCT_TABLES")
	intEnv(&c.Structural.CTAHeavy, "CLASSIFIER_STRUCT_CTAS")
	intEnv(&c.MinVectorSize, "CLASSIFIER_SEM_MIN_VECTOR")
	msEnv(&c.SemanticCacheTTL, "CLASSIFIER_SEM_CACHE_TTL")

	if b, ok := pkgconfig.EnvBool("CLASSIFIER_USE_SEMANTIC"); ok {
		c.UseSemantic = b
	}
}

func overrideAI(a *AIConfig) {
	if v := os.Getenv("AI_ORCH_MODEL"); v != "" {
		a.Model = v
	} else if v := os.Getenv("GEMINI_MODEL"); v != "" {
		a.Model = v
	}

	msEnv(&a.SummaryIntent.Timeout, "AI_ORCH_TIMEOUT_SUMMARY_INTENT_MS")
	msEnv(&a.ThreadSummary.Timeout, "AI_ORCH_TIMEOUT_THREAD_SUMMARY_MS")
	msEnv(&a.DailyDigest.Timeout, "AI_ORCH_TIMEOUT_DAILY_DIGEST_MS")
	msEnv(&a.ActionDecision.Timeout, "AI_ORCH_TIMEOUT_ACTION_DECISION_MS")

	secEnv(&a.ThreadSummary.CacheTTL, "AI_ORCH_THREAD_SUMMARY_TTL_SEC")
	secEnv(&a.DailyDigest.CacheTTL, "AI_ORCH_DAILY_DIGEST_TTL_SEC")
	secEnv(&a.DailyDigest.StaleTTL, "AI_ORCH_DAILY_DIGEST_STALE_TTL_SEC")
	secEnv(&a.DailyDigest.DegradedTTL, "AI_ORCH_DAILY_DIGEST_DEGRADED_TTL_SEC")
}

func overrideLLM(l *LLMConfig) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		l.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		l.Model = v
	}
	if v := os.Getenv("GEMINI_FALLBACK_MODELS"); v != "" {
		var models []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		l.FallbackModels = models
	}
	intEnv(&l.MaxRetries, "GEMINI_MAX_RETRIES")
	msEnv(&l.Timeout, "GEMINI_TIMEOUT_MS")
}

func floatEnv(dst *float64, key string) {
	if v, ok := pkgconfig.EnvFloat(key); ok {
		*dst = v
	}
}

func intEnv(dst *int, key string) {
	if v, ok := pkgconfig.EnvInt(key); ok {
		*dst = v
	}
}

func msEnv(dst *time.Duration, key string) {
	if v, ok := pkgconfig.EnvInt(key); ok && v > 0 {
		*dst = time.Duration(v) * time.Millisecond
	}
}

func secEnv(dst *time.Duration, key string) {
	if v, ok := pkgconfig.EnvInt(key); ok && v >= 0 {
		*dst = time.Duration(v) * time.Second
	}
}
