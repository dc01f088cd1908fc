package model

import (
	"encoding/json"
	"time"
)

// TriagedEmail 是邮件和它最近一次的动作判定
type TriagedEmail struct {
	Email       Email        `json:"email"`
	Action      ActionResult `json:"action"`
	ProcessedAt time.Time    `json:"processedAt"`
}

// TriageRecord 是 triage_results 表的一行
type TriageRecord struct {
	EmailID       string          `json:"emailId"`
	UserID        int             `json:"userId"`
	Category      Category        `json:"category"`
	CategoryScore float64         `json:"categoryScore"`
	Action        ActionResult    `json:"action"`
	AIDecision    json.RawMessage `json:"aiDecision,omitempty"`
	ProcessedAt   time.Time       `json:"processedAt"`
}

// Waiting 仍在等待对方回复但尚未超期；包括还没越过阈值的外发邮件
func (r *TriageRecord) Waiting() bool {
	fu := r.Action.FollowUp
	return (fu.IsFollowUp || fu.AwaitingReply) && !fu.IsOverdue
}
