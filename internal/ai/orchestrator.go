package ai

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/config"
	"sigmamail/internal/llm"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
)

// ErrMissingInput 调用方没有提供必需的输入，属于编程错误
var ErrMissingInput = errors.New("ai orchestrator: missing required input")

const (
	shortCircuitBar = 0.93

	cacheHitConfidence = 0.99
)

// Caller 是模型调用的抽象，由 *llm.Client 实现
type Caller interface {
	Call(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// StatusRecorder 记录每次编排结果，由 *telemetry.Recorder 实现
type StatusRecorder interface {
	Record(ctx context.Context, userID int, meta model.Meta, extra map[string]string) error
}

// Orchestrator 对四类 AI 任务统一走：短路 -> 缓存 -> 模型 -> 陈旧缓存 -> 本地兜底。
// 除了输入缺失之外不返回错误
type Orchestrator struct {
	cfg       config.AIConfig
	llm       Caller
	cache     *ResultCache
	telemetry StatusRecorder
	logger    *zap.Logger
	now       func() time.Time

	// 后台遥测写入
	pending sync.WaitGroup
}

func NewOrchestrator(cfg config.AIConfig, caller Caller, cache *ResultCache, rec StatusRecorder, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		llm:       caller,
		cache:     cache,
		telemetry: rec,
		logger:    logger.OrNop(log),
		now:       time.Now,
	}
}

// task 描述一次带缓存和兜底的模型调用
type task[T any] struct {
	kind      model.AITask
	prompt    string
	payload   any
	cacheKey  string
	staleConf float64
	// valid 判断缓存中的结果是否可用，nil 表示都可用
	valid    func(T) bool
	coerce   func(obj map[string]any) (T, float64)
	fallback func() (T, float64)
}

func execute[T any](ctx context.Context, o *Orchestrator, userID int, t task[T], extra map[string]string) (T, model.Meta) {
	start := o.now()
	tc := o.cfg.Task(t.kind)
	log := logger.WithTrace(ctx, o.logger).With(zap.String("task", string(t.kind)), zap.Int("user_id", userID))

	finish := func(result T, meta model.Meta) (T, model.Meta) {
		meta.Task = t.kind
		meta.DurationMs = o.now().Sub(start).Milliseconds()
		o.record(ctx, userID, meta, extra)
		return result, meta
	}
	usable := func(v T) bool { return t.valid == nil || t.valid(v) }

	cacheable := o.cache != nil && t.cacheKey != "" && (tc.CacheTTL > 0 || tc.DegradedTTL > 0)
	if cacheable {
		cached, cachedModel, ok, err := readCached[T](ctx, o.cache, t.cacheKey)
		if err != nil {
			log.Warn("ai cache read failed", zap.Error(err))
		}
		if ok && usable(cached) {
			if cachedModel == "" {
				cachedModel = tc.Model
			}
			return finish(cached, model.Meta{
				Strategy: model.StrategyCacheHit, Confidence: cacheHitConfidence, Model: cachedModel, Cached: true,
			})
		}
	}

	result, usedModel, conf, callErr := callModel(ctx, o, tc, t)
	if callErr == nil {
		if cacheable {
			if err := writeCached(ctx, o.cache, t.cacheKey, result, usedModel, tc.CacheTTL); err != nil {
				log.Warn("ai cache write failed", zap.Error(err))
			}
			if err := writeCached(ctx, o.cache, staleKey(t.cacheKey), result, usedModel, tc.StaleTTL); err != nil {
				log.Warn("ai stale cache write failed", zap.Error(err))
			}
		}
		return finish(result, model.Meta{Strategy: model.StrategyLLM, Confidence: conf, Model: usedModel})
	}

	errMsg := callErr.Error()
	log.Warn("ai model call failed, degrading", zap.Error(callErr))

	if cacheable && tc.StaleTTL > 0 {
		stale, staleModel, ok, err := readCached[T](ctx, o.cache, staleKey(t.cacheKey))
		if err != nil {
			log.Warn("ai stale cache read failed", zap.Error(err))
		}
		if ok && usable(stale) {
			if staleModel == "" {
				staleModel = tc.Model
			}
			return finish(stale, model.Meta{
				Strategy: model.StrategyStaleRecovery, Confidence: t.staleConf, Model: staleModel, Cached: true, Error: errMsg,
			})
		}
	}

	fb, fbConf := t.fallback()
	if cacheable {
		if err := writeCached(ctx, o.cache, t.cacheKey, fb, degradedName, tc.DegradedTTL); err != nil {
			log.Warn("ai degraded cache write failed", zap.Error(err))
		}
	}
	return finish(fb, model.Meta{Strategy: model.StrategyFallback, Confidence: fbConf, Error: errMsg})
}

// callModel 在任务超时内调用模型；非 JSON 或非对象的输出都算失败
func callModel[T any](ctx context.Context, o *Orchestrator, tc config.TaskConfig, t task[T]) (T, string, float64, error) {
	var zero T
	if o.llm == nil {
		return zero, "", 0, errors.New("llm caller not configured")
	}
	if tc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tc.Timeout)
		defer cancel()
	}
	resp, err := o.llm.Call(ctx, llm.Request{
		SystemPrompt: t.prompt,
		Payload:      t.payload,
		Model:        tc.Model,
		Timeout:      tc.Timeout,
	})
	if err != nil {
		return zero, "", 0, err
	}
	obj, err := decodeObject(resp.Data)
	if err != nil {
		return zero, "", 0, err
	}
	result, conf := t.coerce(obj)
	usedModel := resp.Model
	if usedModel == "" {
		usedModel = tc.Model
	}
	return result, usedModel, conf, nil
}

// record 遥测失败只记录日志
func (o *Orchestrator) record(ctx context.Context, userID int, meta model.Meta, extra map[string]string) {
	metrics.IncrementAIOrchestration(string(meta.Task), string(meta.Strategy))
	if o.telemetry == nil || userID == 0 {
		return
	}
	// 遥测不占用调用方的时间，请求结束后也要写完
	bg := context.WithoutCancel(ctx)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if err := o.telemetry.Record(bg, userID, meta, extra); err != nil {
			o.logger.Warn("orchestrator telemetry write failed",
				zap.Int("user_id", userID),
				zap.String("task", string(meta.Task)),
				zap.Error(err),
			)
		}
	}()
}

// Flush 等待尚未完成的遥测写入，退出前调用
func (o *Orchestrator) Flush() {
	o.pending.Wait()
}

// ---------------------------------------------------------------------------
// summary_intent
// ---------------------------------------------------------------------------

type Intent struct {
	Summarize bool `json:"summarize"`
}

type IntentResult struct {
	Intent
	Meta model.Meta `json:"_meta"`
}

type intentGuess struct {
	summarize  bool
	confidence float64
}

var (
	intentPositive = []string{
		"summarize", "summary", "tldr", "tl;dr", "what is this", "what's this",
		"explain", "brief", "context", "key points", "important points",
		"what does this mean", "clarify",
	}
	intentNegative = []string{
		"reply to this", "draft a reply", "unsubscribe", "delete this", "archive this", "mark as read",
	}
)

func summaryIntentHeuristic(message string) *intentGuess {
	low := strings.ToLower(message)
	for _, w := range intentPositive {
		if strings.Contains(low, w) {
			return &intentGuess{summarize: true, confidence: 0.95}
		}
	}
	for _, w := range intentNegative {
		if strings.Contains(low, w) {
			return &intentGuess{summarize: false, confidence: 0.88}
		}
	}
	return nil
}

// SummaryIntent 判断用户的聊天消息是否在请求摘要
func (o *Orchestrator) SummaryIntent(ctx context.Context, userID int, message string) IntentResult {
	start := o.now()
	guess := summaryIntentHeuristic(message)
	if guess != nil && guess.confidence >= shortCircuitBar {
		meta := model.Meta{
			Task:       model.TaskSummaryIntent,
			Strategy:   model.StrategyShortCircuit,
			Confidence: guess.confidence,
			DurationMs: o.now().Sub(start).Milliseconds(),
		}
		o.record(ctx, userID, meta, nil)
		return IntentResult{Intent: Intent{Summarize: guess.summarize}, Meta: meta}
	}

	defSummarize, defConf := false, 0.68
	fb := intentGuess{summarize: false, confidence: 0.4}
	if guess != nil {
		defSummarize, defConf = guess.summarize, guess.confidence
		fb = *guess
	}

	res, meta := execute(ctx, o, userID, task[Intent]{
		kind:    model.TaskSummaryIntent,
		prompt:  summaryIntentPrompt,
		payload: map[string]string{"message": message},
		coerce: func(obj map[string]any) (Intent, float64) {
			return Intent{Summarize: toBool(obj["summarize"], defSummarize)}, toConfidence(obj["confidence"], defConf)
		},
		fallback: func() (Intent, float64) {
			return Intent{Summarize: fb.summarize}, fb.confidence
		},
	}, nil)
	return IntentResult{Intent: res, Meta: meta}
}

// ---------------------------------------------------------------------------
// thread_summary
// ---------------------------------------------------------------------------

const (
	summaryMessageRunes  = 1600
	fallbackSummaryRunes = 300
)

type ThreadSummary struct {
	Summary string `json:"summary"`
}

type ThreadSummaryResult struct {
	ThreadSummary
	Meta model.Meta `json:"_meta"`
}

type summaryMessage struct {
	From    string     `json:"from"`
	Date    *time.Time `json:"date"`
	Subject string     `json:"subject"`
	Text    string     `json:"text"`
}

func ThreadSummaryCacheKey(userID int, threadID string) string {
	return "ai:thread-summary:v1:" + strconv.Itoa(userID) + ":" + threadID
}

func fallbackSummary(messages []model.RawMessage) string {
	var latest model.RawMessage
	if len(messages) > 0 {
		latest = messages[len(messages)-1]
	}
	sender := strings.TrimSpace(latest.From)
	if sender == "" {
		sender = "Unknown sender"
	}
	subject := strings.TrimSpace(latest.Subject)
	if subject == "" {
		subject = "No subject"
	}
	text := latest.Text
	if strings.TrimSpace(text) == "" {
		text = latest.Snippet
	}
	body := truncateRunes(strings.TrimSpace(stripHTML(text)), fallbackSummaryRunes)
	if body == "" {
		body = "No clear body content available."
	}
	return "**" + subject + "** from **" + sender + "**.\n\n" + body
}

// ThreadSummary 对会话做 markdown 摘要，结果按线程缓存
func (o *Orchestrator) ThreadSummary(ctx context.Context, userID int, threadID string, messages []model.RawMessage) ThreadSummaryResult {
	payload := struct {
		ThreadID string           `json:"threadId"`
		Messages []summaryMessage `json:"messages"`
	}{ThreadID: threadID, Messages: make([]summaryMessage, 0, len(messages))}
	for _, m := range messages {
		sm := summaryMessage{
			From:    m.From,
			Subject: m.Subject,
			Text:    truncateRunes(stripHTML(m.Text), summaryMessageRunes),
		}
		if !m.Date.IsZero() {
			d := m.Date.UTC()
			sm.Date = &d
		}
		payload.Messages = append(payload.Messages, sm)
	}

	key := ""
	if threadID != "" {
		key = ThreadSummaryCacheKey(userID, threadID)
	}
	res, meta := execute(ctx, o, userID, task[ThreadSummary]{
		kind:      model.TaskThreadSummary,
		prompt:    threadSummaryPrompt,
		payload:   payload,
		cacheKey:  key,
		staleConf: 0.7,
		valid:     func(s ThreadSummary) bool { return strings.TrimSpace(s.Summary) != "" },
		coerce: func(obj map[string]any) (ThreadSummary, float64) {
			if s, ok := toText(obj["summary"]); ok {
				return ThreadSummary{Summary: s}, 0.85
			}
			return ThreadSummary{Summary: fallbackSummary(messages)}, 0.85
		},
		fallback: func() (ThreadSummary, float64) {
			return ThreadSummary{Summary: fallbackSummary(messages)}, 0.55
		},
	}, map[string]string{"thread_id": threadID})
	return ThreadSummaryResult{ThreadSummary: res, Meta: meta}
}

// ---------------------------------------------------------------------------
// daily_digest
// ---------------------------------------------------------------------------

type DigestResult struct {
	Digest
	Meta model.Meta `json:"_meta"`
}

// DailyDigest cacheKey 为空时按 payload 的窗口结束日期生成
func (o *Orchestrator) DailyDigest(ctx context.Context, userID int, payload DigestPayload, cacheKey string) DigestResult {
	if cacheKey == "" && userID != 0 {
		day := payload.Meta.WindowEnd
		if day.IsZero() {
			day = o.now()
		}
		cacheKey = DigestCacheKey(userID, day)
	}
	res, meta := execute(ctx, o, userID, task[Digest]{
		kind:      model.TaskDailyDigest,
		prompt:    dailyDigestPrompt,
		payload:   payload,
		cacheKey:  cacheKey,
		staleConf: 0.7,
		valid:     func(d Digest) bool { return strings.TrimSpace(d.Summary) != "" },
		coerce: func(obj map[string]any) (Digest, float64) {
			return coerceDigest(obj, payload), 0.82
		},
		fallback: func() (Digest, float64) {
			return fallbackDigest(payload), 0.5
		},
	}, map[string]string{"total_emails": strconv.Itoa(payload.Meta.TotalEmails)})
	return DigestResult{Digest: res, Meta: meta}
}

// ---------------------------------------------------------------------------
// action_decision
// ---------------------------------------------------------------------------

type Decision struct {
	AINeedsReply        bool    `json:"aiNeedsReply"`
	AIHasDeadline       bool    `json:"aiHasDeadline"`
	AIIsOverdueFollowUp bool    `json:"aiIsOverdueFollowUp"`
	AIConfidence        float64 `json:"aiConfidence"`
	AIExplanation       string  `json:"aiExplanation"`
}

type DecisionResult struct {
	Decision
	Meta model.Meta `json:"_meta"`
}

func decisionFromFlags(f model.Flags) Decision {
	explanation := "This email does not appear to require action."
	switch {
	case f.IsOverdueFollowUp:
		explanation = "You are waiting for a response on an earlier conversation."
	case f.HasDeadline:
		explanation = "This email contains a deadline-like signal requiring attention."
	case f.NeedsReply:
		explanation = "This email likely needs your reply based on request/question signals."
	}
	conf := 0.52
	if f.NeedsReply || f.HasDeadline || f.IsOverdueFollowUp {
		conf = 0.62
	}
	return Decision{
		AINeedsReply:        f.NeedsReply,
		AIHasDeadline:       f.HasDeadline,
		AIIsOverdueFollowUp: f.IsOverdueFollowUp,
		AIConfidence:        conf,
		AIExplanation:       explanation,
	}
}

// shouldAskModel 有正向信号或 needs-reply 分数落在不确定区间
func shouldAskModel(f model.Flags) bool {
	return f.NeedsReply || f.HasDeadline || f.IsOverdueFollowUp ||
		(f.NeedsReplyScore > 0.3 && f.NeedsReplyScore < 0.7)
}

// ActionDecision 让模型复核启发式的动作判定。email 或 flags 缺失时返回 ErrMissingInput
func (o *Orchestrator) ActionDecision(ctx context.Context, userID int, email *model.Email, flags *model.Flags) (DecisionResult, error) {
	if email == nil || flags == nil {
		return DecisionResult{}, ErrMissingInput
	}
	start := o.now()
	heuristic := decisionFromFlags(*flags)
	extra := map[string]string{"email_id": email.ID}

	if !shouldAskModel(*flags) {
		meta := model.Meta{
			Task:       model.TaskActionDecision,
			Strategy:   model.StrategyShortCircuit,
			Confidence: 0.6,
			DurationMs: o.now().Sub(start).Milliseconds(),
		}
		o.record(ctx, userID, meta, extra)
		return DecisionResult{Decision: heuristic, Meta: meta}, nil
	}

	text := email.Text
	if strings.TrimSpace(text) == "" {
		text = email.Snippet
	}
	var date *time.Time
	if !email.Date.IsZero() {
		d := email.Date.UTC()
		date = &d
	}
	payload := map[string]any{
		"email": map[string]any{
			"subject": email.Subject,
			"text":    text,
			"from":    email.From,
			"to":      email.To,
			"date":    date,
		},
		"heuristics": flags,
	}

	res, meta := execute(ctx, o, userID, task[Decision]{
		kind:    model.TaskActionDecision,
		prompt:  actionDecisionPrompt,
		payload: payload,
		coerce: func(obj map[string]any) (Decision, float64) {
			d := Decision{
				AINeedsReply:        toBool(obj["aiNeedsReply"], flags.NeedsReply),
				AIHasDeadline:       toBool(obj["aiHasDeadline"], flags.HasDeadline),
				AIIsOverdueFollowUp: toBool(obj["aiIsOverdueFollowUp"], flags.IsOverdueFollowUp),
				AIConfidence:        toConfidence(obj["aiConfidence"], 0.66),
				AIExplanation:       heuristic.AIExplanation,
			}
			if s, ok := toText(obj["aiExplanation"]); ok {
				d.AIExplanation = s
			}
			return d, d.AIConfidence
		},
		fallback: func() (Decision, float64) {
			return heuristic, heuristic.AIConfidence
		},
	}, extra)
	return DecisionResult{Decision: res, Meta: meta}, nil
}
