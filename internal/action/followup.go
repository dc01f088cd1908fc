package action

import (
	"strings"
	"time"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
)

const (
	followUpGraceHours = 4
	followUpBoostRate  = 0.02
	followUpBoostCap   = 0.35
	nudgeConfidence    = 0.7
)

type FollowUpDetector struct {
	threshold    float64
	overdueHours float64
}

func NewFollowUpDetector(cfg config.ActionConfig) *FollowUpDetector {
	return &FollowUpDetector{
		threshold:    cfg.FollowUpThreshold,
		overdueHours: cfg.FollowUpOverdueHours,
	}
}

// Evaluate 判断用户最后一封外发邮件是否在等待对方回复
func (f *FollowUpDetector) Evaluate(email *model.Email, c *Context, now time.Time) model.FollowUpResult {
	if c == nil {
		return model.FollowUpResult{Reasoning: []string{"no_context"}}
	}
	if nudge, ok := f.incomingNudge(c); ok {
		return nudge
	}

	last := c.LastOutgoing
	switch {
	case last == nil:
		return model.FollowUpResult{Reasoning: []string{"no_outgoing"}}
	case c.NextIncomingAfterLastOutgoing != nil:
		return model.FollowUpResult{Reasoning: []string{"already_answered"}}
	case c.IsCurrentLatest() && c.Current.Incoming:
		return model.FollowUpResult{Reasoning: []string{"latest_is_incoming"}}
	}

	hours := max(0, now.Sub(last.Timestamp).Hours())
	textScore, snippet, reasoning := followUpTextScore(last.Subject, last.Text)
	boost := clamp((hours-followUpGraceHours)*followUpBoostRate, 0, followUpBoostCap)
	raw := round(clamp(textScore+boost, 0, 1), 4)
	if boost > 0 {
		reasoning = append(reasoning, "time_boost")
	}

	since := last.Timestamp
	res := model.FollowUpResult{
		IsFollowUp:   raw > f.threshold,
		WaitingSince: &since,
		Confidence:   raw,
		HoursWaiting: round(hours, 2),
		Snippet:      snippet,
		Reasoning:    reasoning,
	}
	res.IsOverdue = res.IsFollowUp && hours >= f.overdueHours
	res.AwaitingReply = !res.IsOverdue && round(clamp(textScore+followUpBoostCap, 0, 1), 4) > f.threshold
	return res
}

func followUpTextScore(subject, body string) (float64, string, []string) {
	text := strings.ToLower(strings.TrimSpace(body))
	if text == "" {
		text = strings.ToLower(strings.TrimSpace(subject))
	}

	var score float64
	var snippet string
	var reasoning []string
	if loc := followUpAskRe.FindStringIndex(text); loc != nil {
		score += 0.75
		snippet = sentenceAround(text, loc[0])
		reasoning = append(reasoning, "action_request")
	} else if q := lastQuestion(text); q != "" {
		score += 0.45
		if len(q) < 150 {
			score += 0.15
		}
		snippet = q
		reasoning = append(reasoning, "trailing_question")
	}

	if closingRe.MatchString(text) || strings.HasSuffix(text, "thanks,") {
		score -= 0.8
		snippet = ""
		reasoning = append(reasoning, "closing_phrase")
	}
	return score, snippet, reasoning
}

func lastQuestion(text string) string {
	parts := sentences(text)
	for i := len(parts) - 1; i >= 0; i-- {
		if strings.HasSuffix(parts[i], "?") {
			return parts[i]
		}
	}
	return ""
}

// sentenceAround 返回包含 pos 的那一句
func sentenceAround(text string, pos int) string {
	start := strings.LastIndexAny(text[:pos], ".!?\n") + 1
	end := len(text)
	if i := strings.IndexAny(text[pos:], ".!?\n"); i >= 0 {
		end = pos + i + 1
	}
	return collapse(text[start:end])
}

// incomingNudge 对方来信催促，而更早的来信仍未被回复
func (f *FollowUpDetector) incomingNudge(c *Context) (model.FollowUpResult, bool) {
	cur := c.Current
	if cur == nil || !cur.Incoming {
		return model.FollowUpResult{}, false
	}
	text := strings.ToLower(cur.Subject + "\n" + cur.Text)
	loc := reminderRe.FindStringIndex(text)
	if loc == nil {
		return model.FollowUpResult{}, false
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.Key == cur.Key || !m.Incoming || !m.Timestamp.Before(cur.Timestamp) {
			continue
		}
		if c.LastOutgoing != nil && !m.Timestamp.After(c.LastOutgoing.Timestamp) {
			continue
		}
		since := m.Timestamp
		return model.FollowUpResult{
			WaitingSince:  &since,
			Confidence:    nudgeConfidence,
			Snippet:       sentenceAround(text, loc[0]),
			IncomingNudge: true,
			Reasoning:     []string{"incoming_nudge"},
		}, true
	}
	return model.FollowUpResult{}, false
}
