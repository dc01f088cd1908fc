package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/ai"
	"sigmamail/internal/feedback"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
)

// correctedScore 用户手动指定的分类
const correctedScore = 1.0

type FeedbackLearner interface {
	RecordFeedback(ctx context.Context, userID int, email *model.Email, category model.Category) (*model.FeedbackRule, error)
	Propagate(ctx context.Context, userID int, seed *model.Email, category model.Category) (feedback.PropagationResult, error)
}

type EmailReader interface {
	FindByID(ctx context.Context, userID int, emailID string) (*model.Email, error)
}

// CategoryUpdater 由 repository.EmailRepository 实现
type CategoryUpdater interface {
	UpdateCategory(ctx context.Context, userID int, ids []string, category model.Category, score float64) (int64, error)
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

type CorrectionResult struct {
	EmailID     string                     `json:"emailId"`
	Category    model.Category             `json:"category"`
	Rule        *model.FeedbackRule        `json:"rule,omitempty"`
	Propagation feedback.PropagationResult `json:"propagation"`
}

// FeedbackService 处理用户的分类纠正
type FeedbackService struct {
	emails  EmailReader
	updater CategoryUpdater
	learner FeedbackLearner
	cache   CacheInvalidator
	logger  *zap.Logger
	now     func() time.Time
}

func NewFeedbackService(emails EmailReader, updater CategoryUpdater, learner FeedbackLearner, cache CacheInvalidator, log *zap.Logger) *FeedbackService {
	return &FeedbackService{
		emails:  emails,
		updater: updater,
		learner: learner,
		cache:   cache,
		logger:  logger.OrNop(log),
		now:     time.Now,
	}
}

// Correct 只有分类非法、邮件不存在或改写本封邮件失败时返回错误；
// 规则学习和扩散失败只记日志
func (s *FeedbackService) Correct(ctx context.Context, userID int, emailID, category string) (*CorrectionResult, error) {
	cat, err := model.ParseCategory(category)
	if err != nil {
		return nil, err
	}
	log := logger.WithTrace(ctx, s.logger).With(zap.String("email_id", emailID), zap.Int("user_id", userID))

	email, err := s.emails.FindByID(ctx, userID, emailID)
	if err != nil {
		return nil, err
	}
	if _, err := s.updater.UpdateCategory(ctx, userID, []string{emailID}, cat, correctedScore); err != nil {
		return nil, err
	}

	res := &CorrectionResult{
		EmailID:     emailID,
		Category:    cat,
		Propagation: feedback.PropagationResult{RelatedEmailIDs: []string{}},
	}

	rule, err := s.learner.RecordFeedback(ctx, userID, email, cat)
	switch {
	case errors.Is(err, feedback.ErrNoSenderDomain):
		log.Info("feedback rule skipped, sender has no domain")
	case err != nil:
		log.Warn("feedback rule not saved", zap.Error(err))
	default:
		res.Rule = rule
	}

	prop, err := s.learner.Propagate(ctx, userID, email, cat)
	if err != nil {
		log.Warn("feedback propagation failed", zap.Error(err))
	} else {
		res.Propagation = prop
	}

	// 分类变化会影响当天的日报
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, ai.DigestCacheKey(userID, s.now())); err != nil {
			log.Warn("digest cache invalidation failed", zap.Error(err))
		}
	}

	log.Info("category corrected",
		zap.String("category", string(cat)),
		zap.Int64("propagated", res.Propagation.UpdatedCount),
		zap.Int("scanned", res.Propagation.ScannedCount),
	)
	return res, nil
}
