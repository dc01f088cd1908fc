package action

import (
	"strings"
	"time"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
)

const (
	beforeWindow = 50
	afterWindow  = 30

	fallbackConfidence = 0.62
	defaultDueHour     = 17
)

type DeadlineExtractor struct {
	parser    DateParser
	threshold float64
	grace     time.Duration
	horizon   time.Duration
}

func NewDeadlineExtractor(cfg config.ActionConfig, parser DateParser) *DeadlineExtractor {
	if parser == nil {
		parser = NewWhenParser()
	}
	return &DeadlineExtractor{
		parser:    parser,
		threshold: cfg.DeadlineThreshold,
		grace:     time.Duration(cfg.DeadlinePastGraceHours * float64(time.Hour)),
		horizon:   time.Duration(cfg.DeadlineMaxFutureDays) * 24 * time.Hour,
	}
}

type deadlineCandidate struct {
	span      DateSpan
	at        time.Time
	score     float64
	snippet   string
	reasoning []string
}

// Evaluate 抽取邮件中最可信的截止时间
func (d *DeadlineExtractor) Evaluate(email *model.Email, c *Context, now time.Time) model.DeadlineResult {
	if email == nil {
		return model.DeadlineResult{Reasoning: []string{"no_email"}}
	}
	if c != nil && c.IsCurrentLatest() && !c.Current.Incoming {
		return model.DeadlineResult{Reasoning: []string{"own_latest_outgoing"}}
	}

	subject := strings.ToLower(email.Subject)
	text := subject + "\n" + strings.ToLower(BodyText(email))
	if IsAutomated(email) && !HasDeadlineHint(text) {
		return model.DeadlineResult{Reasoning: []string{"automated_without_deadline_hint"}}
	}

	spans := d.parser.Parse(text, now)
	if len(spans) == 0 {
		if res, ok := d.fallback(text, now); ok {
			return res
		}
		return model.DeadlineResult{Reasoning: []string{"no_candidates"}}
	}

	var best *deadlineCandidate
	for _, span := range spans {
		cand, ok := d.score(text, len(subject), span, now)
		if !ok {
			continue
		}
		if best == nil || cand.score > best.score {
			best = &cand
		}
	}

	if best == nil {
		return model.DeadlineResult{Reasoning: []string{"no_viable_candidates"}}
	}

	if best.score < d.threshold {
		return model.DeadlineResult{
			Confidence: best.score,
			Reasoning:  append(best.reasoning, "below_threshold"),
		}
	}

	at := best.at
	source := model.DeadlineSourceRelative
	if digitRe.MatchString(best.span.Text) {
		source = model.DeadlineSourceExplicit
	}
	return model.DeadlineResult{
		HasDeadline: true,
		At:          &at,
		Source:      source,
		Confidence:  best.score,
		Snippet:     best.snippet,
		Reasoning:   best.reasoning,
	}
}

func (d *DeadlineExtractor) score(text string, subjectEnd int, span DateSpan, now time.Time) (deadlineCandidate, bool) {
	at := span.At
	if !span.HasExplicitHour {
		y, m, day := at.Date()
		at = time.Date(y, m, day, defaultDueHour, 0, 0, 0, at.Location())
	}
	if at.Before(now.Add(-d.grace)) {
		return deadlineCandidate{}, false
	}
	if at.After(now.Add(d.horizon)) {
		return deadlineCandidate{}, false
	}

	start := span.Index
	end := start + len(span.Text)
	if start < 0 || end > len(text) {
		return deadlineCandidate{}, false
	}
	before := text[max(0, start-beforeWindow):start]
	after := text[end:min(len(text), end+afterWindow)]

	score := 0.2
	var reasoning []string
	fired := false
	if urgencyBeforeRe.MatchString(before) {
		score += 0.35
		fired = true
		reasoning = append(reasoning, "urgency_before")
	}
	if strongDueRe.MatchString(before) {
		score += 0.15
		fired = true
		reasoning = append(reasoning, "strong_due_phrase")
	}
	if deadlineAfterRe.MatchString(after) {
		score += 0.30
		fired = true
		reasoning = append(reasoning, "deadline_noun_after")
	}
	if noiseBeforeRe.MatchString(before) {
		score -= 0.45
		fired = true
		reasoning = append(reasoning, "noise_before")
	}
	if !fired {
		if !weakContextRe.MatchString(before + span.Text + after) {
			return deadlineCandidate{}, false
		}
		score -= 0.1
		reasoning = append(reasoning, "weak_context")
	}
	if start < subjectEnd {
		score += 0.15
		reasoning = append(reasoning, "in_subject")
	}
	if span.HasExplicitHour {
		score += 0.10
		reasoning = append(reasoning, "explicit_hour")
	}

	return deadlineCandidate{
		span:      span,
		at:        at,
		score:     round(clamp(score, 0, 0.99), 4),
		snippet:   collapse(before + span.Text + after),
		reasoning: reasoning,
	}, true
}

type fallbackRule struct {
	name    string
	match   func(string) []int
	resolve func(now time.Time) time.Time
}

var fallbackRules = []fallbackRule{
	{"eod", fallbackEODRe.FindStringIndex, func(now time.Time) time.Time {
		return atHour(now, defaultDueHour)
	}},
	{"tomorrow", fallbackTmrwRe.FindStringIndex, func(now time.Time) time.Time {
		return atHour(now.AddDate(0, 0, 1), 12)
	}},
	{"end_of_week", fallbackWeekRe.FindStringIndex, func(now time.Time) time.Time {
		days := (int(time.Friday) - int(now.Weekday()) + 7) % 7
		at := atHour(now.AddDate(0, 0, days), defaultDueHour)
		if at.Before(now) {
			at = at.AddDate(0, 0, 7)
		}
		return at
	}},
	{"end_of_month", fallbackMonthRe.FindStringIndex, func(now time.Time) time.Time {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return atHour(first.AddDate(0, 1, -1), defaultDueHour)
	}},
}

func (d *DeadlineExtractor) fallback(text string, now time.Time) (model.DeadlineResult, bool) {
	for _, rule := range fallbackRules {
		loc := rule.match(text)
		if loc == nil {
			continue
		}
		at := rule.resolve(now)
		return model.DeadlineResult{
			HasDeadline: true,
			At:          &at,
			Source:      model.DeadlineSourceRelative,
			Confidence:  fallbackConfidence,
			Snippet:     collapse(text[loc[0]:loc[1]]),
			Reasoning:   []string{"fallback_" + rule.name},
		}, true
	}
	return model.DeadlineResult{}, false
}

func atHour(t time.Time, hour int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, t.Location())
}
