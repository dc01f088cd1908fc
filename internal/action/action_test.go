package action

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
)

// 2025-03-03 是周一
var testNow = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func hoursAgo(h float64) model.FlexTime {
	return model.NewFlexTime(testNow.Add(-time.Duration(h * float64(time.Hour))))
}

func newTestOrchestrator(t *testing.T, parser DateParser) *Orchestrator {
	t.Helper()
	return NewOrchestrator(config.Default().Action, parser, zaptest.NewLogger(t))
}

type stubParser struct {
	spans []DateSpan
}

func (s stubParser) Parse(string, time.Time) []DateSpan { return s.spans }

// ---------------------------------------------------------------------------
// BuildContext
// ---------------------------------------------------------------------------

func TestBuildContextOrdersAndDedupes(t *testing.T) {
	email := &model.Email{RawMessage: model.RawMessage{
		ID: "m3", Subject: "Re: plan", Timestamp: hoursAgo(1), IsIncoming: model.BoolPtr(true),
	}}
	thread := &model.Thread{Messages: []model.RawMessage{
		{ID: "m2", Subject: "Re: plan", SentAt: hoursAgo(5), Direction: "outbound"},
		{ID: "m1", Subject: "plan", InternalDate: hoursAgo(10)},
		{ID: "m3", Subject: "Re: plan", Timestamp: hoursAgo(1)},
		{MessageID: "<x@y>", Subject: "plan", Headers: map[string]string{"date": testNow.Add(-20 * time.Hour).Format(time.RFC1123Z)}},
	}}

	c := BuildContext(email, thread, testNow)
	if len(c.Messages) != 4 {
		t.Fatalf("expected 4 messages after dedupe, got %d", len(c.Messages))
	}
	for i := 1; i < len(c.Messages); i++ {
		if c.Messages[i].Timestamp.Before(c.Messages[i-1].Timestamp) {
			t.Fatalf("messages not ordered at %d", i)
		}
	}
	if c.Messages[0].Key != "<x@y>" {
		t.Errorf("header date fallback not applied, first=%q", c.Messages[0].Key)
	}
	if c.LastOutgoing == nil || c.LastOutgoing.ID != "m2" {
		t.Fatalf("unexpected last outgoing: %+v", c.LastOutgoing)
	}
	if c.NextIncomingAfterLastOutgoing == nil || c.NextIncomingAfterLastOutgoing.ID != "m3" {
		t.Fatalf("unexpected next incoming: %+v", c.NextIncomingAfterLastOutgoing)
	}
	if !c.IsCurrentLatest() {
		t.Error("current email should be latest")
	}
	if c.ConversationAgeHours != 20 {
		t.Errorf("conversation age = %v", c.ConversationAgeHours)
	}
}

func TestBuildContextDegradesGracefully(t *testing.T) {
	c := BuildContext(&model.Email{RawMessage: model.RawMessage{Subject: "hello"}}, nil, testNow)
	if len(c.Messages) != 1 || !c.Messages[0].Timestamp.Equal(testNow) {
		t.Fatalf("missing timestamp should resolve to now: %+v", c.Messages)
	}
	if !c.Messages[0].Incoming {
		t.Error("unknown direction should default to incoming")
	}
	if c.LastOutgoing != nil {
		t.Error("no outgoing expected")
	}
}

func TestResolveIncomingFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		raw  model.RawMessage
		want bool
	}{
		{"explicit", model.RawMessage{IsIncoming: model.BoolPtr(false), Direction: "inbound"}, false},
		{"direction", model.RawMessage{Direction: "outgoing"}, false},
		{"from self", model.RawMessage{FromSelf: model.BoolPtr(true)}, false},
		{"sender me", model.RawMessage{Sender: "Me"}, false},
		{"sender them", model.RawMessage{Sender: "them"}, true},
		{"default", model.RawMessage{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveIncoming(tc.raw, true); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func dataRoomEmail() (*model.Email, *model.Thread) {
	thread := &model.Thread{ID: "t1", Messages: []model.RawMessage{
		{ID: "a", Subject: "Data room", Text: "Sharing the data room link for the diligence review.", From: "priya@northwind-capital.com", Timestamp: hoursAgo(50), IsIncoming: model.BoolPtr(true)},
		{ID: "b", Subject: "Re: Data room", Text: "Thanks, we will get the updated numbers over shortly.", Timestamp: hoursAgo(26), IsIncoming: model.BoolPtr(false)},
	}}
	email := &model.Email{
		RawMessage: model.RawMessage{
			ID:         "c",
			Subject:    "Data room access window closes COB Wednesday",
			Text:       "Hi team,\nCould you upload the revised cash-flow workbook before close of business Wednesday? Let me know if anything blocks you.\nPriya",
			From:       "Priya Shah <priya@northwind-capital.com>",
			Timestamp:  hoursAgo(1),
			IsIncoming: model.BoolPtr(true),
		},
		ThreadID: "t1",
	}
	return email, thread
}

func TestScenarioDataRoomDeadline(t *testing.T) {
	o := newTestOrchestrator(t, NewWhenParser())
	email, thread := dataRoomEmail()

	res := o.Evaluate(email, thread, testNow)

	if !res.Deadline.HasDeadline {
		t.Fatalf("expected deadline, got %+v", res.Deadline)
	}
	if res.Deadline.Confidence < 0.68 {
		t.Errorf("confidence too low: %v", res.Deadline.Confidence)
	}
	want := time.Date(2025, 3, 5, 17, 0, 0, 0, time.UTC)
	if res.Deadline.At == nil || !res.Deadline.At.Equal(want) {
		t.Errorf("deadline at = %v, want %v", res.Deadline.At, want)
	}
	if res.Deadline.Source != model.DeadlineSourceRelative {
		t.Errorf("source = %q", res.Deadline.Source)
	}
	if !res.NeedsReply.NeedsReply {
		t.Fatalf("expected needs reply, got %+v", res.NeedsReply)
	}
	if res.NeedsReply.Debug["strong_request"] != 0.55 {
		t.Errorf("strong request signal missing: %v", res.NeedsReply.Debug)
	}
	if res.FollowUp.IsFollowUp {
		t.Error("answered thread should not be a follow-up")
	}
}

func TestScenarioOverdueFollowUp(t *testing.T) {
	o := newTestOrchestrator(t, NewWhenParser())
	thread := &model.Thread{Messages: []model.RawMessage{
		{ID: "in-1", Subject: "Batch", Text: "The batch file is ready on our side.", Timestamp: hoursAgo(96), IsIncoming: model.BoolPtr(true)},
	}}
	email := &model.Email{RawMessage: model.RawMessage{
		ID:         "out-1",
		Subject:    "Re: Batch",
		Text:       "Hi Sam, did finance push the batch through yet? If not, could you send a quick note so I can update the schedule.",
		Timestamp:  hoursAgo(72),
		IsIncoming: model.BoolPtr(false),
	}}

	res := o.Evaluate(email, thread, testNow)

	if !res.FollowUp.IsFollowUp || !res.FollowUp.IsOverdue {
		t.Fatalf("expected overdue follow-up, got %+v", res.FollowUp)
	}
	if res.FollowUp.HoursWaiting != 72 {
		t.Errorf("hours waiting = %v", res.FollowUp.HoursWaiting)
	}
	if !strings.Contains(res.FollowUp.Snippet, "could you send a quick note") {
		t.Errorf("snippet = %q", res.FollowUp.Snippet)
	}
	if res.NeedsReply.NeedsReply {
		t.Error("outgoing email never needs reply")
	}
}

// 长问句起始分数低于阈值，靠等待时间加成才成为跟进
func TestFollowUpAwaitingReplyBeforeThreshold(t *testing.T) {
	d := NewFollowUpDetector(config.Default().Action)
	outgoing := func(h float64) *model.Email {
		return &model.Email{RawMessage: model.RawMessage{
			ID:         "out-long",
			Subject:    "Vendor schedule",
			Text:       "Hi Sam, I was wondering whether the finance team has had enough time to look over the revised quarterly vendor payment schedule that I attached to my message last Tuesday?",
			Timestamp:  hoursAgo(h),
			IsIncoming: model.BoolPtr(false),
		}}
	}

	fresh := outgoing(0.1)
	res := d.Evaluate(fresh, BuildContext(fresh, nil, testNow), testNow)
	if res.IsFollowUp || !res.AwaitingReply {
		t.Fatalf("fresh long question should await reply without being a follow-up: %+v", res)
	}

	stale := outgoing(60)
	res = d.Evaluate(stale, BuildContext(stale, nil, testNow), testNow)
	if !res.IsFollowUp || !res.IsOverdue || res.AwaitingReply {
		t.Fatalf("60h old question should be an overdue follow-up: %+v", res)
	}

	closed := outgoing(0.1)
	closed.Text = "Here is the schedule. No reply needed."
	res = d.Evaluate(closed, BuildContext(closed, nil, testNow), testNow)
	if res.AwaitingReply {
		t.Errorf("message that can never cross the threshold should not await reply: %+v", res)
	}
}

func TestScenarioAutomatedNewsletter(t *testing.T) {
	o := newTestOrchestrator(t, NewWhenParser())
	email := &model.Email{RawMessage: model.RawMessage{
		ID:         "n1",
		Subject:    "Weekend flash sale starts Friday",
		Text:       "Could you resist? Save 40% on everything this Friday and Saturday, or on 3/14 at 10am. Unsubscribe here.",
		From:       "Deals <noreply@shop-deals.example>",
		Timestamp:  hoursAgo(2),
		IsIncoming: model.BoolPtr(true),
	}}

	res := o.Evaluate(email, nil, testNow)

	if res.NeedsReply.NeedsReply || res.NeedsReply.Reason != "automated" {
		t.Errorf("newsletter should not need reply: %+v", res.NeedsReply)
	}
	if res.Deadline.HasDeadline {
		t.Errorf("newsletter should not carry a deadline: %+v", res.Deadline)
	}
}

func TestIncomingNudgeSuppressesNeedsReply(t *testing.T) {
	o := newTestOrchestrator(t, stubParser{})
	thread := &model.Thread{Messages: []model.RawMessage{
		{ID: "o1", Subject: "Budget", Text: "Here is the budget draft.", Timestamp: hoursAgo(100), IsIncoming: model.BoolPtr(false)},
		{ID: "i1", Subject: "Re: Budget", Text: "Can you approve the revised budget?", Timestamp: hoursAgo(50), IsIncoming: model.BoolPtr(true)},
	}}
	email := &model.Email{RawMessage: model.RawMessage{
		ID:         "i2",
		Subject:    "Re: Budget",
		Text:       "Just following up on my note below. Could you approve the budget today?",
		Timestamp:  hoursAgo(1),
		IsIncoming: model.BoolPtr(true),
	}}

	res := o.Evaluate(email, thread, testNow)

	if !res.FollowUp.IncomingNudge {
		t.Fatalf("expected incoming nudge, got %+v", res.FollowUp)
	}
	if res.NeedsReply.NeedsReply || res.NeedsReply.Reason != model.ReasonReclassifiedAsFollowUp {
		t.Fatalf("needs reply should be reclassified: %+v", res.NeedsReply)
	}
	if res.FollowUp.WaitingSince == nil || !res.FollowUp.WaitingSince.Equal(hoursAgo(50).Time) {
		t.Errorf("waiting since = %v", res.FollowUp.WaitingSince)
	}
}

// ---------------------------------------------------------------------------
// Deadline scoring
// ---------------------------------------------------------------------------

func TestDeadlineCandidateScoring(t *testing.T) {
	ex := NewDeadlineExtractor(config.Default().Action, nil)
	cases := []struct {
		name    string
		subject string
		body    string
		span    string
		at      time.Time
		hour    bool
		want    bool
		minConf float64
	}{
		{
			name: "due by with explicit hour",
			body: "the report is due by march 7 at 3pm please.",
			span: "march 7 at 3pm",
			at:   time.Date(2025, 3, 7, 15, 0, 0, 0, time.UTC),
			hour: true, want: true, minConf: 0.8,
		},
		{
			name: "noise verb before",
			body: "i sent it on march 1 already.",
			span: "march 1",
			at:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "too far in the future",
			body: "renewal is due by december 31.",
			span: "december 31",
			at:   time.Date(2025, 12, 31, 9, 0, 0, 0, time.UTC),
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text := strings.ToLower(tc.subject) + "\n" + tc.body
			idx := strings.Index(text, tc.span)
			if idx < 0 {
				t.Fatalf("span %q not in text", tc.span)
			}
			ex.parser = stubParser{spans: []DateSpan{{Text: tc.span, Index: idx, At: tc.at, HasExplicitHour: tc.hour}}}
			email := &model.Email{RawMessage: model.RawMessage{Subject: tc.subject, Text: tc.body}}

			res := ex.Evaluate(email, BuildContext(email, nil, testNow), testNow)
			if res.HasDeadline != tc.want {
				t.Fatalf("hasDeadline = %v, want %v (%+v)", res.HasDeadline, tc.want, res)
			}
			if tc.want && res.Confidence < tc.minConf {
				t.Errorf("confidence %v < %v", res.Confidence, tc.minConf)
			}
			if tc.want && res.Source != model.DeadlineSourceExplicit {
				t.Errorf("source = %q", res.Source)
			}
			if res.Confidence > 0.99 {
				t.Errorf("confidence not clamped: %v", res.Confidence)
			}
		})
	}
}

func TestDeadlineFallbackRules(t *testing.T) {
	ex := NewDeadlineExtractor(config.Default().Action, stubParser{})
	cases := []struct {
		body string
		want time.Time
	}{
		{"please send the numbers by eod.", time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)},
		{"we need the signed form before the weekend, tomorrow works.", time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)},
		{"submit your timesheet by end of week.", time.Date(2025, 3, 7, 17, 0, 0, 0, time.UTC)},
		{"invoices are due at the end of the month.", time.Date(2025, 3, 31, 17, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		email := &model.Email{RawMessage: model.RawMessage{Subject: "note", Text: tc.body}}
		res := ex.Evaluate(email, BuildContext(email, nil, testNow), testNow)
		if !res.HasDeadline || res.Confidence != fallbackConfidence {
			t.Fatalf("%q: expected fallback deadline, got %+v", tc.body, res)
		}
		if !res.At.Equal(tc.want) {
			t.Errorf("%q: at = %v, want %v", tc.body, res.At, tc.want)
		}
	}
}

// 解析器有候选但全部被过滤时不走兜底规则
func TestDeadlineFallbackOnlyWithoutParsedSpans(t *testing.T) {
	body := "i sent it on march 1, ping me by eod if it is missing."
	idx := strings.Index("note\n"+body, "march 1")
	ex := NewDeadlineExtractor(config.Default().Action, stubParser{spans: []DateSpan{
		{Text: "march 1", Index: idx, At: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}})
	email := &model.Email{RawMessage: model.RawMessage{Subject: "note", Text: body}}

	res := ex.Evaluate(email, BuildContext(email, nil, testNow), testNow)
	if res.HasDeadline {
		t.Fatalf("discarded span must not fall back to regex rules: %+v", res)
	}

	ex.parser = stubParser{}
	res = ex.Evaluate(email, BuildContext(email, nil, testNow), testNow)
	if !res.HasDeadline || res.Reasoning[0] != "fallback_eod" {
		t.Fatalf("no parsed spans should use the eod rule: %+v", res)
	}
}

func TestDeadlineSkipsOwnLatestOutgoing(t *testing.T) {
	ex := NewDeadlineExtractor(config.Default().Action, stubParser{})
	email := &model.Email{RawMessage: model.RawMessage{
		Subject: "Plan", Text: "I will send it by eod.", IsIncoming: model.BoolPtr(false),
	}}
	res := ex.Evaluate(email, BuildContext(email, nil, testNow), testNow)
	if res.HasDeadline {
		t.Fatalf("own outgoing message should not get a deadline: %+v", res)
	}
}

// ---------------------------------------------------------------------------
// Needs reply / follow up
// ---------------------------------------------------------------------------

func TestNeedsReplyFYIStaysQuiet(t *testing.T) {
	d := NewNeedsReplyDetector(config.Default().Action)
	email := &model.Email{RawMessage: model.RawMessage{
		Subject: "Quarterly notes",
		Text:    "FYI, sharing the quarterly notes for your reference. No action needed.",
	}}
	res := d.Evaluate(email, BuildContext(email, nil, testNow), testNow)
	if res.NeedsReply || res.Score != 0 {
		t.Fatalf("fyi email should score 0, got %+v", res)
	}
}

func TestNeedsReplyUserRepliedLast(t *testing.T) {
	d := NewNeedsReplyDetector(config.Default().Action)
	email := &model.Email{RawMessage: model.RawMessage{
		ID: "q", Subject: "Question", Text: "Can you review this?", Timestamp: hoursAgo(5),
	}}
	thread := &model.Thread{Messages: []model.RawMessage{
		{ID: "r", Subject: "Re: Question", Text: "Done.", Timestamp: hoursAgo(1), IsIncoming: model.BoolPtr(false)},
	}}
	res := d.Evaluate(email, BuildContext(email, thread, testNow), testNow)
	if res.NeedsReply || res.Reason != "user_replied_last" {
		t.Fatalf("got %+v", res)
	}
}

func TestFollowUpClosingPhrase(t *testing.T) {
	f := NewFollowUpDetector(config.Default().Action)
	email := &model.Email{RawMessage: model.RawMessage{
		ID: "o", Subject: "Slides", Text: "Attached the slides, could you take a look. No reply needed.",
		Timestamp: hoursAgo(80), IsIncoming: model.BoolPtr(false),
	}}
	res := f.Evaluate(email, BuildContext(email, nil, testNow), testNow)
	if res.IsFollowUp || res.Snippet != "" {
		t.Fatalf("closing phrase should suppress follow-up: %+v", res)
	}
}
