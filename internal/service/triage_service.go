package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	mqcontracts "sigmamail/contracts/mq"
	"sigmamail/internal/ai"
	"sigmamail/internal/classification"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
	"sigmamail/pkg/trace"
)

// EmailStore 由 repository.EmailRepository 实现
type EmailStore interface {
	FindByID(ctx context.Context, userID int, emailID string) (*model.Email, error)
	FindThread(ctx context.Context, userID int, threadID string) (*model.Thread, error)
	UpdateCategoryTx(ctx context.Context, tx pgx.Tx, userID int, emailID string, category model.Category, score float64) error
}

// TriageStore 由 repository.TriageRepository 实现
type TriageStore interface {
	SaveResultTx(ctx context.Context, tx pgx.Tx, rec *model.TriageRecord) error
	FindResult(ctx context.Context, userID int, emailID string) (*model.TriageRecord, error)
	ListForReevaluation(ctx context.Context, before time.Time, limit int) ([]model.TriageRecord, error)
	ListTriagedSince(ctx context.Context, userID int, since time.Time) ([]model.TriagedEmail, error)
	SaveDecision(ctx context.Context, userID int, emailID string, decision any) error
}

// OutboxWriter 由 outbox.Repository 实现
type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, routingKey string, payload any) error
}

// TxBeginner 由 *pgxpool.Pool 实现
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Classifier interface {
	Classify(ctx context.Context, email *model.Email, opts classification.Options) model.CategoryResult
}

type ActionEvaluator interface {
	Evaluate(email *model.Email, thread *model.Thread, now time.Time) model.ActionResult
}

type DecisionMaker interface {
	ActionDecision(ctx context.Context, userID int, email *model.Email, flags *model.Flags) (ai.DecisionResult, error)
}

// TriageService 单封邮件的完整分拣：分类、动作检测、AI 复核、落库并写 outbox
type TriageService struct {
	db         TxBeginner
	emails     EmailStore
	results    TriageStore
	outbox     OutboxWriter
	classifier Classifier
	actions    ActionEvaluator
	decider    DecisionMaker
	logger     *zap.Logger
	now        func() time.Time
}

// NewTriageService decider 为 nil 时跳过 AI 复核
func NewTriageService(
	db TxBeginner,
	emails EmailStore,
	results TriageStore,
	outbox OutboxWriter,
	classifier Classifier,
	actions ActionEvaluator,
	decider DecisionMaker,
	log *zap.Logger,
) *TriageService {
	return &TriageService{
		db:         db,
		emails:     emails,
		results:    results,
		outbox:     outbox,
		classifier: classifier,
		actions:    actions,
		decider:    decider,
		logger:     logger.OrNop(log),
		now:        time.Now,
	}
}

func (s *TriageService) Process(ctx context.Context, userID int, emailID string) (*model.TriageRecord, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("email_id", emailID), zap.Int("user_id", userID))

	email, err := s.emails.FindByID(ctx, userID, emailID)
	if err != nil {
		metrics.IncrementEmailProcessed("failed")
		return nil, err
	}
	if email.UserID == 0 {
		email.UserID = userID
	}
	thread := s.loadThread(ctx, log, email)
	now := s.now().UTC()

	cat := s.classifier.Classify(ctx, email, classification.Options{})
	act := s.actions.Evaluate(email, thread, now)

	rec := &model.TriageRecord{
		EmailID:       email.ID,
		UserID:        userID,
		Category:      cat.Top,
		CategoryScore: cat.TopScore,
		Action:        act,
		ProcessedAt:   now,
	}

	var strategy model.Strategy
	if s.decider != nil {
		flags := act.Flags()
		res, err := s.decider.ActionDecision(ctx, userID, email, &flags)
		if err != nil {
			log.Warn("ai decision skipped", zap.Error(err))
		} else if raw, err := json.Marshal(res); err == nil {
			rec.AIDecision = raw
			strategy = res.Meta.Strategy
		}
	}

	if err := s.persist(ctx, rec, strategy); err != nil {
		metrics.IncrementEmailProcessed("failed")
		return nil, err
	}
	metrics.IncrementEmailProcessed("success")

	log.Info("email triaged",
		zap.String("category", string(rec.Category)),
		zap.Float64("category_score", rec.CategoryScore),
		zap.Bool("needs_reply", act.NeedsReply.NeedsReply),
		zap.Bool("has_deadline", act.Deadline.HasDeadline),
		zap.Bool("is_follow_up", act.FollowUp.IsFollowUp),
		zap.String("strategy", string(strategy)),
	)
	return rec, nil
}

// loadThread 线程上下文是可选的，读失败时按单封邮件处理
func (s *TriageService) loadThread(ctx context.Context, log *zap.Logger, email *model.Email) *model.Thread {
	if email.ThreadID == "" {
		return nil
	}
	thread, err := s.emails.FindThread(ctx, email.UserID, email.ThreadID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Warn("thread lookup failed, evaluating email alone", zap.String("thread_id", email.ThreadID), zap.Error(err))
		}
		return nil
	}
	return thread
}

// persist 结果、分类和 email.triaged 事件在同一事务中提交
func (s *TriageService) persist(ctx context.Context, rec *model.TriageRecord, strategy model.Strategy) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.results.SaveResultTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := s.emails.UpdateCategoryTx(ctx, tx, rec.UserID, rec.EmailID, rec.Category, rec.CategoryScore); err != nil {
		return err
	}

	act := rec.Action
	payload := mqcontracts.EmailTriagedPayload{
		EmailID:       rec.EmailID,
		UserID:        rec.UserID,
		Category:      rec.Category,
		CategoryScore: rec.CategoryScore,
		NeedsReply:    act.NeedsReply.NeedsReply,
		HasDeadline:   act.Deadline.HasDeadline,
		DeadlineAt:    act.Deadline.At,
		IsFollowUp:    act.FollowUp.IsFollowUp,
		IsOverdue:     act.FollowUp.IsOverdue,
		AIStrategy:    strategy,
		ProcessedAt:   rec.ProcessedAt,
		TraceID:       trace.FromContext(ctx),
	}
	if err := s.outbox.Insert(ctx, tx, "email", rec.EmailID, mqcontracts.RoutingKeyEmailTriaged, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
