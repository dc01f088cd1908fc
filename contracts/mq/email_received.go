package mq

import (
	"time"

	"sigmamail/internal/model"
)

const RoutingKeyEmailReceived = "email.received"

// EmailReceivedPayload 同步层在邮件入库后发布。
// Email 不为空时 worker 先 upsert 再分拣
type EmailReceivedPayload struct {
	EmailID    string       `json:"email_id"`
	UserID     int          `json:"user_id"`
	Email      *model.Email `json:"email,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
	TraceID    string       `json:"trace_id,omitempty"`
}
