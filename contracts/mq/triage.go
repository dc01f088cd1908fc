package mq

import (
	"time"

	"sigmamail/internal/model"
)

const (
	RoutingKeyEmailTriaged    = "email.triaged"
	RoutingKeyFollowUpOverdue = "email.followup.overdue"
)

// EmailTriagedPayload 分拣完成后经 outbox 发布
type EmailTriagedPayload struct {
	EmailID       string         `json:"email_id"`
	UserID        int            `json:"user_id"`
	Category      model.Category `json:"category"`
	CategoryScore float64        `json:"category_score"`
	NeedsReply    bool           `json:"needs_reply"`
	HasDeadline   bool           `json:"has_deadline"`
	DeadlineAt    *time.Time     `json:"deadline_at,omitempty"`
	IsFollowUp    bool           `json:"is_follow_up"`
	IsOverdue     bool           `json:"is_overdue"`
	AIStrategy    model.Strategy `json:"ai_strategy,omitempty"`
	ProcessedAt   time.Time      `json:"processed_at"`
	TraceID       string         `json:"trace_id,omitempty"`
}

// FollowUpOverduePayload 等待回复从未超期变为超期时发布一次
type FollowUpOverduePayload struct {
	EmailID      string     `json:"email_id"`
	UserID       int        `json:"user_id"`
	WaitingSince *time.Time `json:"waiting_since,omitempty"`
	HoursWaiting float64    `json:"hours_waiting"`
	DetectedAt   time.Time  `json:"detected_at"`
}
