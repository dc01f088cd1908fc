package action

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"sigmamail/internal/model"
)

// Context 是一次评估用的会话视图，按时间升序、已去重
type Context struct {
	Messages []model.Message

	LastIncoming                  *model.Message
	LastOutgoing                  *model.Message
	LastMessage                   *model.Message
	NextIncomingAfterLastOutgoing *model.Message
	ConversationAgeHours          float64

	// Current 是被评估的邮件在 Messages 中对应的条目
	Current *model.Message
}

// IsCurrentLatest 当前邮件是否为会话最后一条
func (c *Context) IsCurrentLatest() bool {
	return c != nil && c.Current != nil && c.LastMessage != nil && c.Current.Key == c.LastMessage.Key
}

// BuildContext 合并 thread 与当前邮件，去重、排序并计算派生指针。
// 缺失或异常字段回退到默认值，不会失败
func BuildContext(email *model.Email, thread *model.Thread, now time.Time) *Context {
	var raws []model.RawMessage
	if thread != nil {
		raws = append(raws, thread.Messages...)
	}
	var currentKey string
	if email != nil {
		current := ResolveMessage(email.RawMessage, now, true)
		currentKey = current.Key
		raws = append(raws, email.RawMessage)
	}

	seen := make(map[string]struct{}, len(raws))
	messages := make([]model.Message, 0, len(raws))
	for _, raw := range raws {
		msg := ResolveMessage(raw, now, true)
		if _, dup := seen[msg.Key]; dup {
			continue
		}
		seen[msg.Key] = struct{}{}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	c := &Context{Messages: messages}
	for i := len(messages) - 1; i >= 0; i-- {
		m := &messages[i]
		if m.Incoming && c.LastIncoming == nil {
			c.LastIncoming = m
		}
		if !m.Incoming && c.LastOutgoing == nil {
			c.LastOutgoing = m
		}
	}
	if n := len(messages); n > 0 {
		c.LastMessage = &messages[n-1]
		age := now.Sub(messages[0].Timestamp).Hours()
		c.ConversationAgeHours = math.Round(age*100) / 100
	}
	if c.LastOutgoing != nil {
		for i := range messages {
			if messages[i].Incoming && messages[i].Timestamp.After(c.LastOutgoing.Timestamp) {
				c.NextIncomingAfterLastOutgoing = &messages[i]
				break
			}
		}
	}
	if currentKey != "" {
		for i := range messages {
			if messages[i].Key == currentKey {
				c.Current = &messages[i]
				break
			}
		}
	}
	return c
}

// ResolveMessage 把原始消息解析为规范 Message
func ResolveMessage(raw model.RawMessage, now time.Time, defaultIncoming bool) model.Message {
	ts := ResolveTimestamp(raw, now)
	text := raw.Text
	if strings.TrimSpace(text) == "" {
		text = raw.Snippet
	}
	return model.Message{
		ID:        raw.ID,
		Key:       dedupeKey(raw, ts),
		Timestamp: ts,
		Incoming:  ResolveIncoming(raw, defaultIncoming),
		Subject:   raw.Subject,
		Text:      text,
		From:      raw.From,
	}
}

// ResolveTimestamp 回退链: timestamp → internalDate → date → created/sent/received/updated → Date header → now
func ResolveTimestamp(raw model.RawMessage, now time.Time) time.Time {
	for _, ft := range []model.FlexTime{
		raw.Timestamp, raw.InternalDate, raw.Date,
		raw.CreatedAt, raw.SentAt, raw.ReceivedAt, raw.UpdatedAt,
	} {
		if !ft.IsZero() {
			return ft.Time
		}
	}
	if ts, ok := model.ParseFlexTime(raw.Header("Date")); ok {
		return ts
	}
	return now
}

// ResolveIncoming 回退链: isIncoming → direction → fromSelf → sender 名称 → 默认值
func ResolveIncoming(raw model.RawMessage, fallback bool) bool {
	if raw.IsIncoming != nil {
		return *raw.IsIncoming
	}
	if d := strings.TrimSpace(raw.Direction); d != "" {
		return !strings.EqualFold(d, "outbound") && !strings.EqualFold(d, "outgoing")
	}
	if raw.FromSelf != nil {
		return !*raw.FromSelf
	}
	switch strings.ToLower(strings.TrimSpace(raw.Sender)) {
	case "me", "self", "outbound":
		return false
	case "them", "external", "inbound":
		return true
	}
	return fallback
}

func dedupeKey(raw model.RawMessage, ts time.Time) string {
	if raw.ID != "" {
		return raw.ID
	}
	if raw.MessageID != "" {
		return raw.MessageID
	}
	return raw.Subject + "-" + strconv.FormatInt(ts.UnixMilli(), 10)
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// BodyText 纯文本正文，缺失时退回 HTML 去标签后的内容，再退回 snippet
func BodyText(email *model.Email) string {
	if email == nil {
		return ""
	}
	if strings.TrimSpace(email.Text) != "" {
		return email.Text
	}
	if strings.TrimSpace(email.HTMLBody) != "" {
		return strings.TrimSpace(htmlTagRe.ReplaceAllString(email.HTMLBody, " "))
	}
	return email.Snippet
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
