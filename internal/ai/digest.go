package ai

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"sigmamail/internal/feedback"
	"sigmamail/internal/model"
)

const (
	digestWindow        = 24 * time.Hour
	digestExampleLimit  = 8
	digestTopSenders    = 5
	digestSnippetRunes  = 160
	digestAmountLimit   = 3
	fallbackActionLimit = 5

	highlightLimit = 10
	actionLimit    = 12
	senderLimit    = 10
)

var (
	meetingRe = regexp.MustCompile(`(?i)\b(meeting|invite|invitation|calendar|agenda|zoom|google meet|webinar|stand-?up|1:1|call scheduled)\b`)
	amountRe  = regexp.MustCompile(`(?i)(?:[$€£¥₹]\s?\d[\d,]*(?:\.\d{1,2})?|\b\d[\d,]*(?:\.\d{2})?\s?(?:usd|eur|gbp|inr)\b)`)
)

type DigestCounts struct {
	Meetings       int `json:"meetings"`
	Bills          int `json:"bills"`
	Actions        int `json:"actions"`
	Travel         int `json:"travel"`
	Attachments    int `json:"attachments"`
	PriorityUnread int `json:"priorityUnread"`
}

type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

type DigestMeta struct {
	TotalEmails int           `json:"totalEmails"`
	Counts      DigestCounts  `json:"counts"`
	TopSenders  []SenderCount `json:"topSenders"`
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
}

type DigestExample struct {
	EmailID       string   `json:"emailId,omitempty"`
	Subject       string   `json:"subject,omitempty"`
	From          string   `json:"from,omitempty"`
	Snippet       string   `json:"snippet,omitempty"`
	PossibleDates []string `json:"possibleDates,omitempty"`
	Amounts       []string `json:"amounts,omitempty"`
}

type DigestExamples struct {
	Actions        []DigestExample `json:"actions"`
	Bills          []DigestExample `json:"bills"`
	Meetings       []DigestExample `json:"meetings"`
	Travels        []DigestExample `json:"travels"`
	Attachments    []DigestExample `json:"attachments"`
	PriorityUnread []DigestExample `json:"priorityUnread"`
}

// DigestPayload 是 daily_digest 任务的模型输入，也是本地兜底的数据源
type DigestPayload struct {
	Meta     DigestMeta     `json:"meta"`
	Examples DigestExamples `json:"examples"`
}

// BuildDigestPayload 汇总最近 24 小时已分拣的邮件
func BuildDigestPayload(emails []model.TriagedEmail, now time.Time) DigestPayload {
	p := DigestPayload{
		Meta: DigestMeta{
			TotalEmails: len(emails),
			TopSenders:  []SenderCount{},
			WindowStart: now.Add(-digestWindow).UTC(),
			WindowEnd:   now.UTC(),
		},
		Examples: DigestExamples{
			Actions:        []DigestExample{},
			Bills:          []DigestExample{},
			Meetings:       []DigestExample{},
			Travels:        []DigestExample{},
			Attachments:    []DigestExample{},
			PriorityUnread: []DigestExample{},
		},
	}

	senders := make(map[string]int)
	add := func(list *[]DigestExample, ex DigestExample) {
		if len(*list) < digestExampleLimit {
			*list = append(*list, ex)
		}
	}

	for i := range emails {
		te := &emails[i]
		e := &te.Email
		text := e.Text
		if strings.TrimSpace(text) == "" {
			text = stripHTML(e.HTMLBody)
		}

		if s := senderKey(e.From); s != "" {
			senders[s]++
		}

		ex := DigestExample{
			EmailID: e.ID,
			Subject: e.Subject,
			From:    e.From,
			Snippet: digestSnippet(e.Snippet, text),
		}
		if te.Action.Deadline.HasDeadline && te.Action.Deadline.At != nil {
			ex.PossibleDates = []string{te.Action.Deadline.At.UTC().Format(time.RFC3339)}
		}

		act := te.Action
		if act.NeedsReply.NeedsReply || act.Deadline.HasDeadline || act.FollowUp.IsOverdue {
			p.Meta.Counts.Actions++
			add(&p.Examples.Actions, ex)
		}
		if e.Category == model.CategoryBills {
			p.Meta.Counts.Bills++
			bill := ex
			bill.Amounts = amountRe.FindAllString(e.Subject+"\n"+text, digestAmountLimit)
			add(&p.Examples.Bills, bill)
		}
		if isMeeting(e, text) {
			p.Meta.Counts.Meetings++
			add(&p.Examples.Meetings, ex)
		}
		if e.Category == model.CategoryTravel {
			p.Meta.Counts.Travel++
			add(&p.Examples.Travels, ex)
		}
		if len(e.Attachments) > 0 {
			p.Meta.Counts.Attachments++
			add(&p.Examples.Attachments, ex)
		}
		if !e.IsRead && (e.Category == model.CategoryPriority || act.NeedsReply.NeedsReply) {
			p.Meta.Counts.PriorityUnread++
			add(&p.Examples.PriorityUnread, ex)
		}
	}

	for s, n := range senders {
		p.Meta.TopSenders = append(p.Meta.TopSenders, SenderCount{Sender: s, Count: n})
	}
	sort.Slice(p.Meta.TopSenders, func(i, j int) bool {
		a, b := p.Meta.TopSenders[i], p.Meta.TopSenders[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Sender < b.Sender
	})
	if len(p.Meta.TopSenders) > digestTopSenders {
		p.Meta.TopSenders = p.Meta.TopSenders[:digestTopSenders]
	}
	return p
}

func senderKey(from string) string {
	if addr := feedback.SenderAddress(from); addr != "" {
		return addr
	}
	return strings.ToLower(strings.TrimSpace(from))
}

func digestSnippet(snippet, text string) string {
	s := strings.TrimSpace(snippet)
	if s == "" {
		s = strings.Join(strings.Fields(text), " ")
	}
	return truncateRunes(s, digestSnippetRunes)
}

func isMeeting(e *model.Email, text string) bool {
	for _, a := range e.Attachments {
		if strings.HasSuffix(strings.ToLower(a.Filename), ".ics") || strings.EqualFold(a.MimeType, "text/calendar") {
			return true
		}
	}
	return meetingRe.MatchString(e.Subject) || meetingRe.MatchString(text)
}

// DigestCacheKey 每个用户每天一个 key
func DigestCacheKey(userID int, day time.Time) string {
	return fmt.Sprintf("ai:daily-digest:v1:%d:%s", userID, day.UTC().Format("2006-01-02"))
}

type DigestAction struct {
	Text    string `json:"text"`
	EmailID string `json:"emailId"`
	Due     string `json:"due,omitempty"`
}

type DigestSections struct {
	Bills          []DigestExample `json:"bills"`
	Meetings       []DigestExample `json:"meetings"`
	Travel         []DigestExample `json:"travel"`
	Attachments    []DigestExample `json:"attachments"`
	PriorityUnread []DigestExample `json:"priorityUnread"`
}

type Digest struct {
	Summary    string         `json:"summary"`
	Highlights []string       `json:"highlights"`
	Actions    []DigestAction `json:"actions"`
	TopSenders []SenderCount  `json:"topSenders"`
	Sections   DigestSections `json:"sections"`
}

// fallbackDigest 完全由 payload 计算，不依赖模型
func fallbackDigest(p DigestPayload) Digest {
	c := p.Meta.Counts
	d := Digest{
		Summary: fmt.Sprintf("Processed %d emails in the last 24 hours. Detected %d meetings, %d bills, and %d action items.",
			p.Meta.TotalEmails, c.Meetings, c.Bills, c.Actions),
		Highlights: []string{
			fmt.Sprintf("%d meetings detected", c.Meetings),
			fmt.Sprintf("%d billing-related emails", c.Bills),
			fmt.Sprintf("%d action-oriented emails", c.Actions),
		},
		Actions:    []DigestAction{},
		TopSenders: orEmpty(p.Meta.TopSenders),
		Sections: DigestSections{
			Bills:          orEmpty(p.Examples.Bills),
			Meetings:       orEmpty(p.Examples.Meetings),
			Travel:         orEmpty(p.Examples.Travels),
			Attachments:    orEmpty(p.Examples.Attachments),
			PriorityUnread: orEmpty(p.Examples.PriorityUnread),
		},
	}
	for _, ex := range p.Examples.Actions[:min(fallbackActionLimit, len(p.Examples.Actions))] {
		text := ex.Subject
		if text == "" {
			text = ex.Snippet
		}
		if text == "" {
			text = "Follow up required"
		}
		a := DigestAction{Text: text, EmailID: ex.EmailID}
		if len(ex.PossibleDates) > 0 {
			a.Due = ex.PossibleDates[0]
		}
		d.Actions = append(d.Actions, a)
	}
	return d
}

// coerceDigest 逐字段校验模型输出，缺失或类型不对的字段用兜底值
func coerceDigest(obj map[string]any, p DigestPayload) Digest {
	fb := fallbackDigest(p)
	d := fb

	if s, ok := toText(obj["summary"]); ok {
		d.Summary = s
	}
	if v, ok := toList[string](obj["highlights"], highlightLimit); ok {
		d.Highlights = v
	}
	if v, ok := toList[DigestAction](obj["actions"], actionLimit); ok {
		d.Actions = v
	}
	if v, ok := toList[SenderCount](obj["topSenders"], senderLimit); ok {
		d.TopSenders = v
	}

	sections, _ := obj["sections"].(map[string]any)
	section := func(name string, fallback []DigestExample) []DigestExample {
		if v, ok := toList[DigestExample](sections[name], 0); ok {
			return v
		}
		return fallback
	}
	d.Sections = DigestSections{
		Bills:          section("bills", fb.Sections.Bills),
		Meetings:       section("meetings", fb.Sections.Meetings),
		Travel:         section("travel", fb.Sections.Travel),
		Attachments:    section("attachments", fb.Sections.Attachments),
		PriorityUnread: section("priorityUnread", fb.Sections.PriorityUnread),
	}
	return d
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
