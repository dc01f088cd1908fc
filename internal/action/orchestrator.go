package action

import (
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
)

// Orchestrator 组合三个检测器并做去重抑制
type Orchestrator struct {
	deadline   *DeadlineExtractor
	followUp   *FollowUpDetector
	needsReply *NeedsReplyDetector
	logger     *zap.Logger
}

func NewOrchestrator(cfg config.ActionConfig, parser DateParser, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		deadline:   NewDeadlineExtractor(cfg, parser),
		followUp:   NewFollowUpDetector(cfg),
		needsReply: NewNeedsReplyDetector(cfg),
		logger:     logger.OrNop(log),
	}
}

// Evaluate 在固定 now 下是纯函数
func (o *Orchestrator) Evaluate(email *model.Email, thread *model.Thread, now time.Time) model.ActionResult {
	c := BuildContext(email, thread, now)

	res := model.ActionResult{
		NeedsReply:  o.needsReply.Evaluate(email, c, now),
		Deadline:    o.deadline.Evaluate(email, c, now),
		FollowUp:    o.followUp.Evaluate(email, c, now),
		EvaluatedAt: now,
	}

	// 对方的催促邮件只算 follow-up，不再重复标记 needs-reply
	if res.FollowUp.IncomingNudge {
		res.NeedsReply.NeedsReply = false
		res.NeedsReply.Reason = model.ReasonReclassifiedAsFollowUp
	}

	if res.NeedsReply.NeedsReply {
		metrics.IncrementActionDecision("needs_reply")
	}
	if res.Deadline.HasDeadline {
		metrics.IncrementActionDecision("deadline")
	}
	if res.FollowUp.IsOverdue {
		metrics.IncrementActionDecision("overdue_follow_up")
	} else if res.FollowUp.IsFollowUp {
		metrics.IncrementActionDecision("follow_up")
	}

	if email != nil {
		o.logger.Debug("action evaluated",
			zap.String("email_id", email.ID),
			zap.Bool("needs_reply", res.NeedsReply.NeedsReply),
			zap.Float64("needs_reply_score", res.NeedsReply.Score),
			zap.Bool("has_deadline", res.Deadline.HasDeadline),
			zap.Bool("is_follow_up", res.FollowUp.IsFollowUp),
			zap.Bool("is_overdue", res.FollowUp.IsOverdue),
		)
	}
	return res
}
