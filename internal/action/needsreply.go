package action

import (
	"strings"
	"time"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
)

type NeedsReplyDetector struct {
	threshold float64
}

func NewNeedsReplyDetector(cfg config.ActionConfig) *NeedsReplyDetector {
	return &NeedsReplyDetector{threshold: cfg.NeedsReplyThreshold}
}

// Evaluate 对 subject+body 做加性打分
func (n *NeedsReplyDetector) Evaluate(email *model.Email, c *Context, now time.Time) model.NeedsReplyResult {
	if email == nil {
		return model.NeedsReplyResult{Reason: "no_email"}
	}
	var current *model.Message
	if c != nil {
		current = c.Current
	}
	incoming := ResolveIncoming(email.RawMessage, true)
	if current != nil {
		incoming = current.Incoming
	}
	if !incoming {
		return model.NeedsReplyResult{Reason: "outgoing"}
	}
	if c != nil && c.LastMessage != nil && !c.LastMessage.Incoming && (current == nil || c.LastMessage.Key != current.Key) {
		return model.NeedsReplyResult{Reason: "user_replied_last"}
	}
	if IsAutomated(email) {
		return model.NeedsReplyResult{Reason: "automated"}
	}

	subject := strings.ToLower(email.Subject)
	body := strings.ToLower(BodyText(email))
	text := subject + "\n" + body

	debug := make(map[string]float64)
	add := func(signal string, delta float64) {
		debug[signal] += delta
	}

	strong := strongRequestRe.MatchString(text)
	decision := decisionRe.MatchString(text)
	urgent := subjectUrgentRe.MatchString(subject)
	if strong {
		add("strong_request", 0.55)
	}
	if decision {
		add("decision", 0.35)
	}
	if resourceRe.MatchString(text) {
		add("resource_request", 0.25)
	}

	if qs := strings.Count(text, "?"); qs > 0 {
		add("question_density", min(0.4, float64(qs)*0.12))
		short, direct := false, false
		for _, s := range sentences(text) {
			if !strings.HasSuffix(s, "?") {
				continue
			}
			if len(s) < 150 {
				short = true
			}
			if directQuestRe.MatchString(s) {
				direct = true
			}
		}
		if short {
			add("short_question", 0.2)
		}
		if direct {
			add("direct_question", 0.15)
		}
	}

	if politeRe.MatchString(text) {
		add("polite_request", 0.15)
	}
	if urgent {
		add("subject_urgency", 0.35)
	}
	if attachMentionRe.MatchString(body) && len(email.Attachments) == 0 {
		add("missing_attachment", 0.1)
	}
	if fyiRe.MatchString(text) {
		add("fyi_only", -0.4)
	}
	if len(body) > 2500 {
		add("long_body", -0.15)
	}
	if len(body) < 180 && !strings.Contains(text, "?") {
		add("short_no_question", -0.2)
	}
	if c != nil && c.LastOutgoing != nil && current != nil {
		gap := current.Timestamp.Sub(c.LastOutgoing.Timestamp).Hours()
		if gap >= 2 && gap <= 96 {
			add("reply_to_outgoing", 0.1)
		}
	}
	if strong && (urgent || decision) {
		add("compound", 0.15)
	}

	var total float64
	reason, top := "no_signal", 0.0
	for _, signal := range needsReplySignals {
		delta, ok := debug[signal]
		if !ok {
			continue
		}
		total += delta
		if delta > top {
			reason, top = signal, delta
		}
	}
	score := round(clamp(total, 0, 1), 4)
	return model.NeedsReplyResult{
		NeedsReply: score >= n.threshold,
		Score:      score,
		Reason:     reason,
		Debug:      debug,
	}
}

// 固定顺序，保证 reason 在同分时确定
var needsReplySignals = []string{
	"strong_request", "decision", "resource_request", "question_density",
	"short_question", "direct_question", "polite_request", "subject_urgency",
	"missing_attachment", "fyi_only", "long_body", "short_no_question",
	"reply_to_outgoing", "compound",
}
