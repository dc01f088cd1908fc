package model

import "time"

const (
	DeadlineSourceExplicit = "explicit"
	DeadlineSourceRelative = "relative"

	ReasonReclassifiedAsFollowUp = "reclassified_as_followup"
)

type NeedsReplyResult struct {
	NeedsReply bool               `json:"needsReply"`
	Score      float64            `json:"score"`
	Reason     string             `json:"reason,omitempty"`
	Debug      map[string]float64 `json:"debug,omitempty"`
}

type DeadlineResult struct {
	HasDeadline bool       `json:"hasDeadline"`
	At          *time.Time `json:"at,omitempty"`
	Source      string     `json:"source,omitempty"`
	Confidence  float64    `json:"confidence"`
	Snippet     string     `json:"snippet,omitempty"`
	Reasoning   []string   `json:"reasoning,omitempty"`
}

type FollowUpResult struct {
	IsFollowUp    bool       `json:"isFollowUp"`
	WaitingSince  *time.Time `json:"waitingSince,omitempty"`
	IsOverdue     bool       `json:"isOverdue"`
	// AwaitingReply 外发邮件仍未被回复，且随等待时间增长还可能越过阈值
	AwaitingReply bool       `json:"awaitingReply,omitempty"`
	Confidence    float64    `json:"confidence"`
	HoursWaiting  float64    `json:"hoursWaiting,omitempty"`
	Snippet       string     `json:"snippet,omitempty"`
	IncomingNudge bool       `json:"incomingNudge,omitempty"`
	Reasoning     []string   `json:"reasoning,omitempty"`
}

// ActionResult 在固定 now 下可重复计算
type ActionResult struct {
	NeedsReply  NeedsReplyResult `json:"needsReply"`
	Deadline    DeadlineResult   `json:"hasDeadline"`
	FollowUp    FollowUpResult   `json:"isFollowUp"`
	EvaluatedAt time.Time        `json:"evaluatedAt"`
}

// Flags 是 AI 编排使用的扁平启发式信号
type Flags struct {
	NeedsReply        bool       `json:"needsReply"`
	NeedsReplyScore   float64    `json:"needsReplyScore"`
	HasDeadline       bool       `json:"hasDeadline"`
	DeadlineAt        *time.Time `json:"deadlineAt,omitempty"`
	IsFollowUp        bool       `json:"isFollowUp"`
	IsOverdueFollowUp bool       `json:"isOverdueFollowUp"`
}

func (r ActionResult) Flags() Flags {
	return Flags{
		NeedsReply:        r.NeedsReply.NeedsReply,
		NeedsReplyScore:   r.NeedsReply.Score,
		HasDeadline:       r.Deadline.HasDeadline,
		DeadlineAt:        r.Deadline.At,
		IsFollowUp:        r.FollowUp.IsFollowUp,
		IsOverdueFollowUp: r.FollowUp.IsOverdue,
	}
}
