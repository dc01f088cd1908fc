package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"sigmamail/internal/config"
	"sigmamail/internal/llm"
	"sigmamail/internal/model"
	"sigmamail/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeLLM struct {
	mu      sync.Mutex
	reqs    []llm.Request
	respond func(req llm.Request) (*llm.Response, error)
}

func (f *fakeLLM) Call(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(req)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func replyJSON(body string) func(llm.Request) (*llm.Response, error) {
	return func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Data: json.RawMessage(body), Model: req.Model}, nil
	}
}

func failWith(err error) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) { return nil, err }
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, int, model.Meta, map[string]string) error {
	f.calls++
	return errors.New("redis down")
}

type harness struct {
	orch *Orchestrator
	llm  *fakeLLM
	mr   *miniredis.Miniredis
	rec  *telemetry.Recorder
}

func newHarness(t *testing.T, respond func(llm.Request) (*llm.Response, error)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fake := &fakeLLM{respond: respond}
	rec := telemetry.NewRecorder(nil, 100, 0, zaptest.NewLogger(t))
	o := NewOrchestrator(config.Default().AI, fake, NewResultCache(rdb), rec, zaptest.NewLogger(t))
	t.Cleanup(o.Flush)
	return &harness{orch: o, llm: fake, mr: mr, rec: rec}
}

func sampleEmail() *model.Email {
	return &model.Email{RawMessage: model.RawMessage{
		ID:      "e-1",
		Subject: "Can you review the contract?",
		Text:    "Please review the attached contract and let me know by Friday.",
		From:    "Dana <dana@partner.com>",
		Date:    model.NewFlexTime(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)),
	}}
}

func sampleDigestPayload() DigestPayload {
	now := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	due := now.Add(24 * time.Hour)
	return BuildDigestPayload([]model.TriagedEmail{
		{
			Email: model.Email{
				RawMessage: model.RawMessage{ID: "b1", Subject: "Your invoice", Text: "Amount due: $120.50", From: "billing@power.com"},
				Category:   model.CategoryBills,
			},
			Action: model.ActionResult{Deadline: model.DeadlineResult{HasDeadline: true, At: &due}},
		},
		{
			Email: model.Email{RawMessage: model.RawMessage{ID: "m1", Subject: "Meeting invite: roadmap sync", From: "pm@corp.com"}},
		},
	}, now)
}

// ---------------------------------------------------------------------------
// Total availability
// ---------------------------------------------------------------------------

func TestEveryTaskDegradesToFallback(t *testing.T) {
	h := newHarness(t, failWith(llm.ErrTimeout))
	ctx := context.Background()
	flags := &model.Flags{NeedsReply: true, NeedsReplyScore: 0.8}

	intent := h.orch.SummaryIntent(ctx, 1, "hmm, what about the rest?")
	if intent.Meta.Strategy != model.StrategyFallback || intent.Summarize || intent.Meta.Confidence != 0.4 {
		t.Errorf("intent fallback: %+v", intent)
	}

	summary := h.orch.ThreadSummary(ctx, 1, "t-1", []model.RawMessage{
		{Subject: "Old", From: "a@x.com", Text: "first"},
		{Subject: "Budget", From: "cfo@x.com", Text: "<p>Numbers attached.</p>"},
	})
	if summary.Meta.Strategy != model.StrategyFallback || summary.Meta.Confidence != 0.55 {
		t.Errorf("summary fallback meta: %+v", summary.Meta)
	}
	if !strings.HasPrefix(summary.Summary, "**Budget** from **cfo@x.com**.") || !strings.Contains(summary.Summary, "Numbers attached.") {
		t.Errorf("summary fallback text: %q", summary.Summary)
	}

	digest := h.orch.DailyDigest(ctx, 1, sampleDigestPayload(), "")
	if digest.Meta.Strategy != model.StrategyFallback || digest.Meta.Confidence != 0.5 {
		t.Errorf("digest fallback meta: %+v", digest.Meta)
	}
	wantSummary := "Processed 2 emails in the last 24 hours. Detected 1 meetings, 1 bills, and 1 action items."
	if digest.Summary != wantSummary || digest.Sections.Bills == nil || len(digest.Actions) != 1 {
		t.Errorf("digest fallback body: %+v", digest.Digest)
	}

	decision, err := h.orch.ActionDecision(ctx, 1, sampleEmail(), flags)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Meta.Strategy != model.StrategyFallback || !decision.AINeedsReply || decision.AIConfidence != 0.62 {
		t.Errorf("decision fallback: %+v", decision)
	}
	if !strings.Contains(decision.Meta.Error, "timed out") {
		t.Errorf("error not reported: %q", decision.Meta.Error)
	}

	h.orch.Flush()
	recent, _ := h.rec.Recent(ctx, 1, 10)
	if len(recent) != 4 {
		t.Errorf("expected 4 telemetry entries, got %d", len(recent))
	}
}

func TestProperty_ActionDecisionAlwaysResolves(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	h := newHarness(t, failWith(llm.ErrUnavailable))
	properties.Property("model_failure_yields_fallback", prop.ForAll(
		func(deadline, overdue bool, score float64, subject string) bool {
			flags := &model.Flags{NeedsReply: true, NeedsReplyScore: score, HasDeadline: deadline, IsOverdueFollowUp: overdue}
			email := &model.Email{RawMessage: model.RawMessage{ID: "p", Subject: subject}}
			res, err := h.orch.ActionDecision(context.Background(), 5, email, flags)
			if err != nil {
				return false
			}
			return res.Meta.Strategy == model.StrategyFallback &&
				res.AIExplanation != "" &&
				res.AIConfidence >= 0 && res.AIConfidence <= 1 &&
				res.AIHasDeadline == deadline && res.AIIsOverdueFollowUp == overdue
		},
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 1),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// ---------------------------------------------------------------------------
// summary_intent
// ---------------------------------------------------------------------------

func TestSummaryIntentShortCircuit(t *testing.T) {
	h := newHarness(t, failWith(errors.New("should not be called")))
	res := h.orch.SummaryIntent(context.Background(), 1, "Can you give me a TL;DR of this?")
	if !res.Summarize || res.Meta.Strategy != model.StrategyShortCircuit || res.Meta.Confidence != 0.95 {
		t.Fatalf("unexpected: %+v", res)
	}
	if h.llm.calls() != 0 {
		t.Fatal("model should not be called on a short-circuit")
	}
}

func TestSummaryIntentCoercesModelOutput(t *testing.T) {
	h := newHarness(t, replyJSON(`{"summarize":"TRUE","confidence":3}`))
	res := h.orch.SummaryIntent(context.Background(), 1, "draft a reply for me")
	if !res.Summarize || res.Meta.Strategy != model.StrategyLLM || res.Meta.Confidence != 1 {
		t.Fatalf("unexpected: %+v", res)
	}
	if h.llm.reqs[0].Model != "gemini-2.5-flash" || h.llm.reqs[0].Timeout != 6500*time.Millisecond {
		t.Errorf("task config not applied: %+v", h.llm.reqs[0])
	}

	h.llm.respond = replyJSON(`{"summarize":"maybe"}`)
	res = h.orch.SummaryIntent(context.Background(), 1, "draft a reply for me")
	if res.Summarize || res.Meta.Confidence != 0.88 {
		t.Fatalf("heuristic defaults not used: %+v", res)
	}
}

func TestNonObjectOutputIsAFailure(t *testing.T) {
	h := newHarness(t, replyJSON(`["not","an","object"]`))
	res := h.orch.SummaryIntent(context.Background(), 1, "so what now")
	if res.Meta.Strategy != model.StrategyFallback {
		t.Fatalf("expected fallback, got %+v", res.Meta)
	}
}

// ---------------------------------------------------------------------------
// thread_summary
// ---------------------------------------------------------------------------

func TestThreadSummaryCaches(t *testing.T) {
	h := newHarness(t, replyJSON(`{"summary":"  Dana asks for the contract review by Friday. "}`))
	ctx := context.Background()
	msgs := []model.RawMessage{{Subject: "Contract", From: "dana@partner.com", Text: strings.Repeat("x", 2000)}}

	first := h.orch.ThreadSummary(ctx, 3, "t-9", msgs)
	if first.Meta.Strategy != model.StrategyLLM || first.Summary != "Dana asks for the contract review by Friday." {
		t.Fatalf("unexpected first result: %+v", first)
	}
	payload, _ := json.Marshal(h.llm.reqs[0].Payload)
	if strings.Contains(string(payload), strings.Repeat("x", 1601)) {
		t.Error("message text should be truncated to 1600 runes")
	}

	second := h.orch.ThreadSummary(ctx, 3, "t-9", msgs)
	if second.Meta.Strategy != model.StrategyCacheHit || !second.Meta.Cached || second.Meta.Confidence != 0.99 {
		t.Fatalf("expected cache hit, got %+v", second.Meta)
	}
	if second.Summary != first.Summary || h.llm.calls() != 1 {
		t.Fatalf("cache hit should not call the model (calls=%d)", h.llm.calls())
	}
	if ttl := h.mr.TTL(ThreadSummaryCacheKey(3, "t-9")); ttl != 300*time.Second {
		t.Errorf("cache ttl = %v", ttl)
	}
	if h.mr.Exists(staleKey(ThreadSummaryCacheKey(3, "t-9"))) {
		t.Error("thread summaries have no stale tier by default")
	}
}

func TestThreadSummaryIgnoresCorruptCache(t *testing.T) {
	h := newHarness(t, replyJSON(`{"summary":"fresh"}`))
	_ = h.mr.Set(ThreadSummaryCacheKey(3, "t-1"), "{garbage")
	res := h.orch.ThreadSummary(context.Background(), 3, "t-1", nil)
	if res.Meta.Strategy != model.StrategyLLM || res.Summary != "fresh" {
		t.Fatalf("unexpected: %+v", res)
	}
}

// ---------------------------------------------------------------------------
// daily_digest
// ---------------------------------------------------------------------------

func TestDailyDigestStaleAndDegradedTiers(t *testing.T) {
	h := newHarness(t, replyJSON(`{"summary":"Busy day","highlights":["Invoice due",7],"sections":{"bills":"oops"}}`))
	ctx := context.Background()
	payload := sampleDigestPayload()
	key := DigestCacheKey(4, payload.Meta.WindowEnd)

	fresh := h.orch.DailyDigest(ctx, 4, payload, "")
	if fresh.Meta.Strategy != model.StrategyLLM || fresh.Meta.Confidence != 0.82 {
		t.Fatalf("unexpected meta: %+v", fresh.Meta)
	}
	if fresh.Summary != "Busy day" || len(fresh.Highlights) != 1 || len(fresh.Sections.Bills) != 1 {
		t.Fatalf("coercion failed: %+v", fresh.Digest)
	}
	if !h.mr.Exists(key) || !h.mr.Exists(staleKey(key)) {
		t.Fatal("primary and stale keys should be written")
	}

	// 主 key 过期，陈旧副本仍在
	h.mr.FastForward(301 * time.Second)
	h.llm.respond = failWith(llm.ErrQuotaExceeded)
	stale := h.orch.DailyDigest(ctx, 4, payload, "")
	if stale.Meta.Strategy != model.StrategyStaleRecovery || stale.Meta.Confidence != 0.7 || !stale.Meta.Cached {
		t.Fatalf("expected stale recovery, got %+v", stale.Meta)
	}
	if stale.Summary != "Busy day" {
		t.Fatalf("stale body lost: %q", stale.Summary)
	}

	// 没有陈旧副本时走本地兜底，并写入短 TTL 的降级结果
	h.mr.Del(staleKey(key))
	degraded := h.orch.DailyDigest(ctx, 4, payload, "")
	if degraded.Meta.Strategy != model.StrategyFallback {
		t.Fatalf("expected fallback, got %+v", degraded.Meta)
	}
	if ttl := h.mr.TTL(key); ttl != 90*time.Second {
		t.Fatalf("degraded ttl = %v", ttl)
	}
	again := h.orch.DailyDigest(ctx, 4, payload, "")
	if again.Meta.Strategy != model.StrategyCacheHit || again.Meta.Model != "local-route" {
		t.Fatalf("degraded entry should be served from cache: %+v", again.Meta)
	}
}

func TestReadCachedLegacyBody(t *testing.T) {
	h := newHarness(t, failWith(llm.ErrNetwork))
	_ = h.mr.Set("legacy", `{"summary":"old format"}`)
	got, m, ok, err := readCached[ThreadSummary](context.Background(), h.orch.cache, "legacy")
	if err != nil || !ok || got.Summary != "old format" || m != "" {
		t.Fatalf("legacy decode: %+v %q %v %v", got, m, ok, err)
	}
}

// ---------------------------------------------------------------------------
// action_decision
// ---------------------------------------------------------------------------

func TestActionDecision(t *testing.T) {
	h := newHarness(t, replyJSON(`{"aiNeedsReply":false,"aiHasDeadline":"yes","aiConfidence":"high"}`))
	ctx := context.Background()

	if _, err := h.orch.ActionDecision(ctx, 1, nil, &model.Flags{}); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if _, err := h.orch.ActionDecision(ctx, 1, sampleEmail(), nil); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}

	quiet, err := h.orch.ActionDecision(ctx, 1, sampleEmail(), &model.Flags{NeedsReplyScore: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if quiet.Meta.Strategy != model.StrategyShortCircuit || quiet.Meta.Confidence != 0.6 || quiet.AIConfidence != 0.52 {
		t.Fatalf("expected short-circuit: %+v", quiet)
	}
	if h.llm.calls() != 0 {
		t.Fatal("short-circuit should not call the model")
	}

	flags := &model.Flags{HasDeadline: true, NeedsReplyScore: 0.5}
	res, err := h.orch.ActionDecision(ctx, 1, sampleEmail(), flags)
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.Strategy != model.StrategyLLM {
		t.Fatalf("expected llm strategy: %+v", res.Meta)
	}
	if res.AINeedsReply || !res.AIHasDeadline || res.AIConfidence != 0.66 {
		t.Fatalf("field coercion failed: %+v", res.Decision)
	}
	if res.AIExplanation != "This email contains a deadline-like signal requiring attention." {
		t.Errorf("explanation default: %q", res.AIExplanation)
	}
}

func TestTelemetryFailureIsSwallowed(t *testing.T) {
	rec := &failingRecorder{}
	o := NewOrchestrator(config.Default().AI, &fakeLLM{respond: failWith(llm.ErrTimeout)}, nil, rec, zaptest.NewLogger(t))
	res := o.SummaryIntent(context.Background(), 2, "tldr please")
	o.Flush()
	if res.Meta.Strategy != model.StrategyShortCircuit || rec.calls != 1 {
		t.Fatalf("unexpected: %+v calls=%d", res.Meta, rec.calls)
	}
}

// blockingRecorder 在 release 关闭前不返回
type blockingRecorder struct {
	release chan struct{}
	done    chan struct{}
}

func (b *blockingRecorder) Record(ctx context.Context, _ int, _ model.Meta, _ map[string]string) error {
	defer close(b.done)
	<-b.release
	return ctx.Err()
}

func TestTelemetryDoesNotBlockResult(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{}), done: make(chan struct{})}
	o := NewOrchestrator(config.Default().AI, &fakeLLM{respond: failWith(llm.ErrTimeout)}, nil, rec, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan DecisionResult, 1)
	go func() {
		res, _ := o.ActionDecision(ctx, 3, sampleEmail(), &model.Flags{})
		returned <- res
	}()

	select {
	case res := <-returned:
		if res.Meta.Strategy != model.StrategyShortCircuit {
			t.Errorf("strategy = %q", res.Meta.Strategy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision waited on telemetry write")
	}

	// 调用方取消后写入仍然完成
	cancel()
	select {
	case <-rec.done:
		t.Fatal("telemetry finished before release")
	default:
	}
	close(rec.release)
	o.Flush()
	select {
	case <-rec.done:
	default:
		t.Fatal("Flush returned before the write finished")
	}
}

// ---------------------------------------------------------------------------
// Digest payload
// ---------------------------------------------------------------------------

func TestBuildDigestPayload(t *testing.T) {
	now := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	emails := []model.TriagedEmail{
		{Email: model.Email{RawMessage: model.RawMessage{ID: "1", From: "A <a@x.com>", Subject: "Flight to Berlin"}, Category: model.CategoryTravel}},
		{Email: model.Email{RawMessage: model.RawMessage{ID: "2", From: "a@x.com", Subject: "Boarding pass"}, Category: model.CategoryTravel,
			Attachments: []model.Attachment{{Filename: "pass.pdf"}}}},
		{Email: model.Email{RawMessage: model.RawMessage{ID: "3", From: "boss@corp.com", Subject: "Quick question"}, IsRead: false},
			Action: model.ActionResult{NeedsReply: model.NeedsReplyResult{NeedsReply: true}}},
		{Email: model.Email{RawMessage: model.RawMessage{ID: "4", From: "cal@corp.com", Subject: "Updated"},
			Attachments: []model.Attachment{{Filename: "invite.ics"}}}},
		{Email: model.Email{RawMessage: model.RawMessage{ID: "5", From: "bill@power.com", Subject: "Bill", Text: "Total 45.00 USD, previous €12"}, Category: model.CategoryBills}},
	}
	p := BuildDigestPayload(emails, now)

	c := p.Meta.Counts
	if p.Meta.TotalEmails != 5 || c.Travel != 2 || c.Attachments != 2 || c.Meetings != 1 || c.Actions != 1 || c.PriorityUnread != 1 || c.Bills != 1 {
		t.Fatalf("unexpected counts: %+v", p.Meta)
	}
	if p.Meta.TopSenders[0] != (SenderCount{Sender: "a@x.com", Count: 2}) {
		t.Errorf("top sender: %+v", p.Meta.TopSenders)
	}
	if got := p.Examples.Bills[0].Amounts; len(got) != 2 || got[0] != "45.00 USD" || got[1] != "€12" {
		t.Errorf("amounts: %v", got)
	}
	if !p.Meta.WindowStart.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("window start: %v", p.Meta.WindowStart)
	}
}
