package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sigmamail/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Defaults / Validate
// ---------------------------------------------------------------------------

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Action.DeadlineThreshold != 0.68 || cfg.Action.FollowUpOverdueHours != 48 {
		t.Fatalf("unexpected action defaults: %+v", cfg.Action)
	}
	if got := cfg.AI.Task(model.TaskDailyDigest); got.StaleTTL != 24*time.Hour || got.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected digest task config: %+v", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Action.NeedsReplyThreshold = 1.5
	cfg.Classifier.Weights.Phrase = -1
	cfg.Classifier.Priors["Groceries"] = 0.1
	cfg.AI.ThreadSummary.Timeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"needs_reply_threshold", "weights.phrase", "priors", "thread_summary.timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestPriorScores(t *testing.T) {
	cfg := Default()
	priors := cfg.Classifier.PriorScores()
	if len(priors) != len(model.Categories) {
		t.Fatalf("expected %d priors, got %d", len(model.Categories), len(priors))
	}
	if priors[model.CategoryPromotions] != 0.2 {
		t.Fatalf("unexpected promotions prior %v", priors[model.CategoryPromotions])
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoadMergesEnvFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
action:
  deadline_threshold: 0.7
classifier:
  structural:
    link_heavy: 8
llm:
  api_key: ${GEMINI_API_KEY}
`)
	writeFile(t, dir, "staging.yaml", `
action:
  follow_up_overdue_hours: 24
`)
	writeFile(t, dir, "secrets.env", "GEMINI_API_KEY=from-secrets\n")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load("staging", dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Action.DeadlineThreshold != 0.7 {
		t.Errorf("base value lost: %v", cfg.Action.DeadlineThreshold)
	}
	if cfg.Action.FollowUpOverdueHours != 24 {
		t.Errorf("env file override lost: %v", cfg.Action.FollowUpOverdueHours)
	}
	if cfg.Action.NeedsReplyThreshold != 0.6 {
		t.Errorf("default should survive partial yaml: %v", cfg.Action.NeedsReplyThreshold)
	}
	if cfg.Classifier.Structural.LinkHeavy != 8 || cfg.Classifier.Structural.TableHeavy != 4 {
		t.Errorf("unexpected structural thresholds: %+v", cfg.Classifier.Structural)
	}
	if cfg.LLM.APIKey != "from-secrets" {
		t.Errorf("secret placeholder not substituted: %q", cfg.LLM.APIKey)
	}
	if cfg.Env != "staging" {
		t.Errorf("env not recorded: %q", cfg.Env)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "log_level: info\n")

	t.Setenv("CLASSIFIER_W_HEURISTIC", "0.9")
	t.Setenv("CLASSIFIER_STRUCT_TABLES", "7")
	t.Setenv("CLASSIFIER_USE_SEMANTIC", "false")
	t.Setenv("AI_ORCH_TIMEOUT_ACTION_DECISION_MS", "3000")
	t.Setenv("AI_ORCH_DAILY_DIGEST_DEGRADED_TTL_SEC", "30")
	t.Setenv("EMBEDDING_URL", "http://embed.local/embed")
	t.Setenv("GEMINI_FALLBACK_MODELS", "a, b,,c")

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Classifier.Weights.Heuristic != 0.9 {
		t.Errorf("heuristic weight: %v", cfg.Classifier.Weights.Heuristic)
	}
	if cfg.Classifier.Structural.TableHeavy != 7 {
		t.Errorf("table threshold: %v", cfg.Classifier.Structural.TableHeavy)
	}
	if cfg.Classifier.UseSemantic {
		t.Error("semantic should be disabled")
	}
	if cfg.AI.ActionDecision.Timeout != 3*time.Second {
		t.Errorf("action timeout: %v", cfg.AI.ActionDecision.Timeout)
	}
	if cfg.AI.DailyDigest.DegradedTTL != 30*time.Second {
		t.Errorf("degraded ttl: %v", cfg.AI.DailyDigest.DegradedTTL)
	}
	if cfg.Embedding.URL != "http://embed.local/embed" {
		t.Errorf("embedding url: %q", cfg.Embedding.URL)
	}
	if strings.Join(cfg.LLM.FallbackModels, ",") != "a,b,c" {
		t.Errorf("fallback models: %v", cfg.LLM.FallbackModels)
	}
}

func TestLoadMissingBaseFails(t *testing.T) {
	if _, err := Load("local", t.TempDir()); err == nil {
		t.Fatal("expected error without base.yaml")
	}
}
