package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	mqcontracts "sigmamail/contracts/mq"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
)

const (
	defaultReevaluationInterval = 30 * time.Minute
	defaultReevaluationBatch    = 200
)

type ReevaluationStats struct {
	Scanned int
	Updated int
	Overdue int
	Failed  int
}

// ReevaluationService 定期重算带截止时间或仍在等待回复的邮件，
// 从等待变为超期时发出 email.followup.overdue
type ReevaluationService struct {
	db       TxBeginner
	emails   EmailStore
	results  TriageStore
	outbox   OutboxWriter
	actions  ActionEvaluator
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewReevaluationService(
	db TxBeginner,
	emails EmailStore,
	results TriageStore,
	outbox OutboxWriter,
	actions ActionEvaluator,
	interval time.Duration,
	batch int,
	log *zap.Logger,
) *ReevaluationService {
	if interval <= 0 {
		interval = defaultReevaluationInterval
	}
	if batch <= 0 {
		batch = defaultReevaluationBatch
	}
	return &ReevaluationService{
		db:       db,
		emails:   emails,
		results:  results,
		outbox:   outbox,
		actions:  actions,
		interval: interval,
		batch:    batch,
		logger:   logger.OrNop(log),
		now:      time.Now,
	}
}

// Run 阻塞直到 ctx 取消
func (s *ReevaluationService) Run(ctx context.Context) error {
	s.logger.Info("Reevaluation loop started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reevaluation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Reevaluation pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 单封邮件失败只计数，不中断整批
func (s *ReevaluationService) RunOnce(ctx context.Context) (ReevaluationStats, error) {
	var stats ReevaluationStats
	now := s.now().UTC()

	recs, err := s.results.ListForReevaluation(ctx, now, s.batch)
	if err != nil {
		return stats, fmt.Errorf("list reevaluation batch: %w", err)
	}
	stats.Scanned = len(recs)

	for i := range recs {
		prev := recs[i]
		overdue, err := s.reevaluate(ctx, &prev, now)
		if err != nil {
			stats.Failed++
			s.logger.Warn("Reevaluation failed",
				zap.String("email_id", prev.EmailID),
				zap.Int("user_id", prev.UserID),
				zap.Error(err),
			)
			continue
		}
		stats.Updated++
		if overdue {
			stats.Overdue++
		}
	}

	if stats.Scanned > 0 {
		s.logger.Info("Reevaluation pass finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("updated", stats.Updated),
			zap.Int("overdue", stats.Overdue),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}

func (s *ReevaluationService) reevaluate(ctx context.Context, prev *model.TriageRecord, now time.Time) (bool, error) {
	email, err := s.emails.FindByID(ctx, prev.UserID, prev.EmailID)
	if err != nil {
		return false, err
	}
	if email.UserID == 0 {
		email.UserID = prev.UserID
	}
	var thread *model.Thread
	if email.ThreadID != "" {
		thread, err = s.emails.FindThread(ctx, prev.UserID, email.ThreadID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, err
		}
	}

	next := *prev
	next.Action = s.actions.Evaluate(email, thread, now)
	next.ProcessedAt = now
	becameOverdue := prev.Waiting() && next.Action.FollowUp.IsOverdue

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.results.SaveResultTx(ctx, tx, &next); err != nil {
		return false, err
	}
	if becameOverdue {
		fu := next.Action.FollowUp
		payload := mqcontracts.FollowUpOverduePayload{
			EmailID:      next.EmailID,
			UserID:       next.UserID,
			WaitingSince: fu.WaitingSince,
			HoursWaiting: fu.HoursWaiting,
			DetectedAt:   now,
		}
		if err := s.outbox.Insert(ctx, tx, "email", next.EmailID, mqcontracts.RoutingKeyFollowUpOverdue, payload); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return becameOverdue, nil
}
