package action

import (
	"regexp"
	"strings"

	"sigmamail/internal/model"
)

// 自动邮件/营销邮件识别，needs-reply 和 deadline 共用同一个判定
var (
	automatedSenderRe = regexp.MustCompile(`(?i)(?:^|[<\s"])(?:no-?reply|do-?not-?reply|donotreply|mailer-daemon|newsletters?|notifications?|marketing|promo(?:tions)?|bounces?|news)@`)
	automatedTextRe   = regexp.MustCompile(`(?i)\b(?:unsubscribe|view (?:this email )?in (?:your )?browser|manage (?:your )?(?:email )?preferences|you(?: are|'re) receiving this|this is an automated|do not reply to this|automatically generated|opt[- ]out|newsletter)\b`)

	deadlineHintRe = regexp.MustCompile(`(?i)\b(?:due|deadline|expir(?:es|ing|y|ation)|last day|no later than|cut-?off|by (?:eod|cob|end of)|renew by|respond by|rsvp by)\b`)
)

// IsAutomated 邮件是否来自自动/营销发件人
func IsAutomated(email *model.Email) bool {
	if email == nil {
		return false
	}
	if automatedSenderRe.MatchString(email.From) {
		return true
	}
	if email.Header("List-Unsubscribe") != "" {
		return true
	}
	return automatedTextRe.MatchString(email.Subject + "\n" + BodyText(email))
}

// HasDeadlineHint 文本里是否出现明确的截止语境
func HasDeadlineHint(text string) bool {
	return deadlineHintRe.MatchString(text)
}

// needs-reply 信号
var (
	strongRequestRe = regexp.MustCompile(`\b(?:please (?:send|review|confirm|upload|share|provide|approve|sign|reply|respond|let me know|update|fill|submit|complete|advise)|can you|could you|would you be able|let me know|upload|get back to me|need (?:you|your) to|waiting (?:for|on) your|respond by|reply by|action required|your input)\b`)
	decisionRe      = regexp.MustCompile(`\b(?:approve|approval|sign[- ]off|decide|decision|go[- ]ahead|green ?light|do you agree|which option)\b`)
	resourceRe      = regexp.MustCompile(`\b(?:send (?:me|us|over)|share (?:the|your)|forward (?:me|us|the)|provide (?:the|your|us)|can i get|could i get|need a copy)\b`)
	politeRe        = regexp.MustCompile(`\b(?:would you mind|if you could|i would appreciate|kindly|when you get a chance|at your earliest convenience)\b`)
	subjectUrgentRe = regexp.MustCompile(`\b(?:urgent|asap|immediately|action required|time[- ]sensitive|important|today|eod|cob|deadline|reminder)\b`)
	attachMentionRe = regexp.MustCompile(`\b(?:attached|attachment|enclosed)\b`)
	fyiRe           = regexp.MustCompile(`\b(?:fyi|for your information|no action (?:needed|required)|just (?:a heads[- ]up|so you know|sharing)|for your reference)\b`)
	directQuestRe   = regexp.MustCompile(`^(?:can|could|would|will|do|does|did|are|is|have|has|when|what|where|who|why|how|should)\b`)
)

// deadline 候选打分
var (
	urgencyBeforeRe = regexp.MustCompile(`\b(?:by|before|until|due|no later than|deadline|closes?|closing|expires?|expiring|ends?|cob|eod|close of business|end of day|submit|deliver|needed|required)\b`)
	strongDueRe     = regexp.MustCompile(`(?:\bdue (?:by|on|date)\b|\bdeadline is\b|\bdeadline:)`)
	deadlineAfterRe = regexp.MustCompile(`\b(?:deadline|due|cut-?off|close of business|cob|eod|at the latest|sharp)\b`)
	noiseBeforeRe   = regexp.MustCompile(`\b(?:sent|received|born|since|dated|posted|published|joined|wrote|created|ordered|purchased|signed up)\b`)
	weakContextRe   = regexp.MustCompile(`\b(?:due|deadline|by|before|until|expire|expires|submit|reply|respond|rsvp|register|renew|pay)\b`)
	explicitHourRe  = regexp.MustCompile(`(?:\b\d{1,2}(?::\d{2})?\s*(?:am|pm|a\.m\.|p\.m\.)|\b\d{1,2}:\d{2}\b|\bnoon\b|\bmidnight\b)`)
	bareWeekdayRe   = regexp.MustCompile(`^(?:on\s+|this\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)$`)
	digitRe         = regexp.MustCompile(`\d`)
)

// deadline 兜底规则，仅在没有任何候选时使用
var (
	fallbackEODRe   = regexp.MustCompile(`\b(?:due|by|before|submit|send|deliver|needed?)\b[^.\n]{0,40}\b(?:eod|cob|end of (?:the )?day|close of business)\b`)
	fallbackTmrwRe  = regexp.MustCompile(`\b(?:due|by|before|submit|send|deliver|needed?)\b[^.\n]{0,40}\btomorrow\b`)
	fallbackWeekRe  = regexp.MustCompile(`\b(?:due|by|before|submit|send|deliver|needed?)\b[^.\n]{0,40}\b(?:end of (?:the )?week|eow)\b`)
	fallbackMonthRe = regexp.MustCompile(`\b(?:due|by|before|submit|send|deliver|needed?)\b[^.\n]{0,40}\b(?:end of (?:the )?month|eom)\b`)
)

// follow-up 信号
var (
	followUpAskRe = regexp.MustCompile(`\b(?:could you|can you|would you|please (?:send|share|confirm|review|let me know|update|advise)|let me know|let us know|send (?:me|over|a quick note)|get back to me|any update|following up|waiting (?:on|for)|did you (?:get|have a chance)|when can (?:you|we))\b`)
	closingRe     = regexp.MustCompile(`\b(?:no (?:reply|response) (?:needed|necessary|required)|no need to (?:reply|respond)|nothing (?:needed|required) from you)\b`)
	reminderRe    = regexp.MustCompile(`\b(?:just following up|following up|gentle reminder|friendly reminder|quick reminder|just a reminder|bumping this|circling back|checking in again|any update on|did you (?:get|see) my (?:last )?(?:email|message))\b`)
)

var sentenceSplitRe = regexp.MustCompile(`[^.!?\n]+[.!?]?`)

// sentences 按句末标点切句，保留标点
func sentences(text string) []string {
	var out []string
	for _, s := range sentenceSplitRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var spaceRe = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
