package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"sigmamail/internal/ai"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
)

const digestLookback = 24 * time.Hour

// AIOrchestrator 由 ai.Orchestrator 实现
type AIOrchestrator interface {
	SummaryIntent(ctx context.Context, userID int, message string) ai.IntentResult
	ThreadSummary(ctx context.Context, userID int, threadID string, messages []model.RawMessage) ai.ThreadSummaryResult
	DailyDigest(ctx context.Context, userID int, payload ai.DigestPayload, cacheKey string) ai.DigestResult
	ActionDecision(ctx context.Context, userID int, email *model.Email, flags *model.Flags) (ai.DecisionResult, error)
}

// AssistantService 面向 HTTP 的 AI 能力，负责取数后交给编排器
type AssistantService struct {
	emails  EmailStore
	results TriageStore
	orch    AIOrchestrator
	actions ActionEvaluator
	logger  *zap.Logger
	now     func() time.Time
}

func NewAssistantService(emails EmailStore, results TriageStore, orch AIOrchestrator, actions ActionEvaluator, log *zap.Logger) *AssistantService {
	return &AssistantService{
		emails:  emails,
		results: results,
		orch:    orch,
		actions: actions,
		logger:  logger.OrNop(log),
		now:     time.Now,
	}
}

func (s *AssistantService) Intent(ctx context.Context, userID int, message string) ai.IntentResult {
	return s.orch.SummaryIntent(ctx, userID, message)
}

func (s *AssistantService) ThreadSummary(ctx context.Context, userID int, threadID string) (ai.ThreadSummaryResult, error) {
	thread, err := s.emails.FindThread(ctx, userID, threadID)
	if err != nil {
		return ai.ThreadSummaryResult{}, err
	}
	return s.orch.ThreadSummary(ctx, userID, threadID, thread.Messages), nil
}

// Digest 读库失败时返回错误，避免把空日报写进当天的缓存
func (s *AssistantService) Digest(ctx context.Context, userID int) (ai.DigestResult, error) {
	now := s.now()
	emails, err := s.results.ListTriagedSince(ctx, userID, now.Add(-digestLookback))
	if err != nil {
		return ai.DigestResult{}, fmt.Errorf("load digest window: %w", err)
	}
	payload := ai.BuildDigestPayload(emails, now)
	return s.orch.DailyDigest(ctx, userID, payload, ai.DigestCacheKey(userID, now)), nil
}

// Decision 复用已保存的动作判定；还没分拣过的邮件现场计算
func (s *AssistantService) Decision(ctx context.Context, userID int, emailID string) (ai.DecisionResult, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("email_id", emailID), zap.Int("user_id", userID))

	email, err := s.emails.FindByID(ctx, userID, emailID)
	if err != nil {
		return ai.DecisionResult{}, err
	}

	var flags model.Flags
	rec, err := s.results.FindResult(ctx, userID, emailID)
	switch {
	case err == nil:
		flags = rec.Action.Flags()
	case errors.Is(err, pgx.ErrNoRows):
		var thread *model.Thread
		if email.ThreadID != "" {
			thread, _ = s.emails.FindThread(ctx, userID, email.ThreadID)
		}
		flags = s.actions.Evaluate(email, thread, s.now().UTC()).Flags()
	default:
		return ai.DecisionResult{}, err
	}

	res, err := s.orch.ActionDecision(ctx, userID, email, &flags)
	if err != nil {
		return ai.DecisionResult{}, err
	}
	if rec != nil {
		if err := s.results.SaveDecision(ctx, userID, emailID, res); err != nil {
			log.Warn("ai decision not saved", zap.Error(err))
		}
	}
	return res, nil
}
