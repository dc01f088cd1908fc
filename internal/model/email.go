package model

import (
	"bytes"
	"encoding/json"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// RawMessage 是上游同步层交过来的消息，时间和方向字段来源不一，
// 由 action.BuildContext 统一解析成 Message
type RawMessage struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Text      string `json:"text,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Snippet   string `json:"snippet,omitempty"`

	Timestamp    FlexTime          `json:"timestamp,omitempty"`
	InternalDate FlexTime          `json:"internalDate,omitempty"`
	Date         FlexTime          `json:"date,omitempty"`
	CreatedAt    FlexTime          `json:"createdAt,omitempty"`
	SentAt       FlexTime          `json:"sentAt,omitempty"`
	ReceivedAt   FlexTime          `json:"receivedAt,omitempty"`
	UpdatedAt    FlexTime          `json:"updatedAt,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`

	IsIncoming *bool  `json:"isIncoming,omitempty"`
	Direction  string `json:"direction,omitempty"`
	FromSelf   *bool  `json:"fromSelf,omitempty"`
	Sender     string `json:"sender,omitempty"`
}

// Header 大小写不敏感地读取 header
func (m *RawMessage) Header(name string) string {
	if m == nil || len(m.Headers) == 0 {
		return ""
	}
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Email 是被评估的单封邮件
type Email struct {
	RawMessage

	UserID      int          `json:"userId"`
	ThreadID    string       `json:"threadId,omitempty"`
	HTMLBody    string       `json:"htmlBody,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Embedding   []float64    `json:"embedding,omitempty"`
	IsRead      bool         `json:"isRead"`

	Category      Category `json:"category,omitempty"`
	CategoryScore float64  `json:"categoryScore,omitempty"`
}

// Thread 是可选的会话上下文
type Thread struct {
	ID              string       `json:"id"`
	UserID          int          `json:"userId"`
	Subject         string       `json:"subject,omitempty"`
	Messages        []RawMessage `json:"messages"`
	LastMessageAt   FlexTime     `json:"lastMessageAt,omitempty"`
	LastMessageFrom string       `json:"lastMessageFrom,omitempty"`
}

// Message 是解析后的规范消息，创建后不再修改
type Message struct {
	ID        string    `json:"id"`
	Key       string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Incoming  bool      `json:"incoming"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	From      string    `json:"from,omitempty"`
}

// FlexTime 接受 epoch 毫秒（数字或数字字符串）以及常见的日期字符串
type FlexTime struct {
	time.Time
}

var flexLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, _ := ParseFlexTime(s)
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		// 非法值按缺失处理，交给后续的回退链
		t.Time = time.Time{}
		return nil
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseFlexTime 解析字符串时间，失败时 ok=false
func ParseFlexTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range flexLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	if ts, err := mail.ParseDate(s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// NewFlexTime wraps t.
func NewFlexTime(t time.Time) FlexTime {
	return FlexTime{Time: t}
}

// BoolPtr 用于构造 IsIncoming / FromSelf
func BoolPtr(b bool) *bool {
	return &b
}
