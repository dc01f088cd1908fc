package classification

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
)

// Embedder 生成文本向量，失败返回 nil
type Embedder interface {
	Embed(ctx context.Context, text string) []float64
}

// FeedbackScorer 用户纠正规则的读路径
type FeedbackScorer interface {
	ComputeScores(ctx context.Context, userID int, email *model.Email) (model.CategoryScores, error)
}

// Options 单次分类的覆盖项
type Options struct {
	Weights         *config.FusionWeights
	DisableSemantic bool
	DisableFeedback bool
}

// Layers 六个打分层的原始分数
type Layers struct {
	Heuristic  model.CategoryScores
	Phrase     model.CategoryScores
	Structural model.CategoryScores
	Exclusion  model.CategoryScores
	Semantic   model.CategoryScores
	Feedback   model.CategoryScores
}

type Engine struct {
	cfg      config.ClassifierConfig
	priors   model.CategoryScores
	cache    *EmbeddingCache
	embedder Embedder
	feedback FeedbackScorer
	logger   *zap.Logger
}

// NewEngine cache/embedder/feedback 都可以为 nil，对应的层记 0 分
func NewEngine(cfg config.ClassifierConfig, cache *EmbeddingCache, embedder Embedder, feedback FeedbackScorer, log *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		priors:   cfg.PriorScores(),
		cache:    cache,
		embedder: embedder,
		feedback: feedback,
		logger:   logger.OrNop(log),
	}
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// Classify 不返回错误；外部依赖失败只让对应层退化为 0
func (e *Engine) Classify(ctx context.Context, email *model.Email, opts Options) model.CategoryResult {
	if email == nil {
		email = &model.Email{}
	}
	body := email.Text
	if strings.TrimSpace(body) == "" && email.HTMLBody != "" {
		body = tagRe.ReplaceAllString(email.HTMLBody, " ")
	}
	combined := strings.TrimSpace(email.Subject + "\n" + body + "\n" + email.Snippet)

	layers := Layers{
		Heuristic: HeuristicScores(combined, email.From),
		Phrase:    PhraseScores(combined),
		Exclusion: ExclusionScores(combined),
		Semantic:  model.NewCategoryScores(),
		Feedback:  model.NewCategoryScores(),
	}
	var signals []string
	layers.Structural, signals = StructuralScores(StructuralInput{
		Subject:         email.Subject,
		Text:            email.Text,
		HTML:            email.HTMLBody,
		From:            email.From,
		Headers:         email.Headers,
		ListUnsubscribe: email.Header("List-Unsubscribe") != "",
	}, e.cfg.Structural)

	if e.cfg.UseSemantic && !opts.DisableSemantic {
		layers.Semantic = e.semantic(ctx, email, combined)
	}
	if e.feedback != nil && !opts.DisableFeedback && email.UserID != 0 {
		fb, err := e.feedback.ComputeScores(ctx, email.UserID, email)
		if err != nil {
			e.logger.Warn("feedback scores unavailable",
				zap.String("email_id", email.ID),
				zap.Error(err),
			)
		} else if fb != nil {
			layers.Feedback.Add(fb)
		}
	}

	weights := e.cfg.Weights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	res := Fuse(layers, weights, e.priors)
	res.Debug.Signals = signals
	metrics.IncrementCategoryAssigned(string(res.Top))
	return res
}

func (e *Engine) semantic(ctx context.Context, email *model.Email, text string) model.CategoryScores {
	if e.cache == nil {
		return model.NewCategoryScores()
	}
	seeds := e.cache.Get(ctx)
	if len(seeds) == 0 {
		return model.NewCategoryScores()
	}
	embedding := email.Embedding
	if len(embedding) == 0 && e.embedder != nil {
		embedding = e.embedder.Embed(ctx, strings.ToLower(text))
	}
	return SemanticScores(embedding, seeds)
}

// Fuse 加权求和加先验，再做 min-max 归一化
func Fuse(l Layers, w config.FusionWeights, priors model.CategoryScores) model.CategoryResult {
	fused := model.NewCategoryScores()
	for _, cat := range model.Categories {
		fused[cat] = w.Heuristic*l.Heuristic[cat] +
			w.Phrase*l.Phrase[cat] +
			w.Structural*l.Structural[cat] +
			w.Exclusion*l.Exclusion[cat] +
			w.Semantic*l.Semantic[cat]*semanticScale +
			w.Feedback*l.Feedback[cat] +
			priors[cat]
	}

	normalized := Normalize(fused)
	candidates := make([]model.CategoryScore, 0, len(model.Categories))
	for _, cat := range model.Categories {
		candidates = append(candidates, model.CategoryScore{Category: cat, Score: normalized[cat]})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	return model.CategoryResult{
		Top:        candidates[0].Category,
		TopScore:   candidates[0].Score,
		Candidates: candidates,
		Debug: model.ClassificationDebug{
			Heuristic:  l.Heuristic,
			Phrase:     l.Phrase,
			Structural: l.Structural,
			Exclusion:  l.Exclusion,
			Semantic:   l.Semantic,
			Feedback:   l.Feedback,
			FusedRaw:   fused,
			Weights:    w.AsMap(),
		},
	}
}

// Normalize 所有值相等时，正数记 1，否则记 0
func Normalize(raw model.CategoryScores) model.CategoryScores {
	out := model.NewCategoryScores()
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, cat := range model.Categories {
		lo = math.Min(lo, raw[cat])
		hi = math.Max(hi, raw[cat])
	}
	for _, cat := range model.Categories {
		v := raw[cat]
		switch {
		case hi == lo && v > 0:
			out[cat] = 1
		case hi == lo:
			out[cat] = 0
		default:
			out[cat] = math.Round((v-lo)/(hi-lo)*1e4) / 1e4
		}
	}
	return out
}
