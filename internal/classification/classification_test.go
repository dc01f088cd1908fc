package classification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap/zaptest"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSeedStore struct {
	mu    sync.Mutex
	seeds []model.CategorySeed
	err   error
	calls int
}

func (f *fakeSeedStore) ListCategorySeeds(context.Context) ([]model.CategorySeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.seeds, nil
}

type fakeEmbedder struct {
	vec   []float64
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, string) []float64 {
	f.calls++
	return f.vec
}

type fakeFeedback struct {
	scores model.CategoryScores
	err    error
}

func (f fakeFeedback) ComputeScores(context.Context, int, *model.Email) (model.CategoryScores, error) {
	return f.scores, f.err
}

func unitVector(size, hot int) []float64 {
	v := make([]float64, size)
	v[hot] = 1
	return v
}

func newEngine(t *testing.T, cache *EmbeddingCache, emb Embedder, fb FeedbackScorer) *Engine {
	t.Helper()
	return NewEngine(config.Default().Classifier, cache, emb, fb, zaptest.NewLogger(t))
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func TestClassifyShoppingScenario(t *testing.T) {
	e := newEngine(t, nil, nil, nil)
	email := &model.Email{RawMessage: model.RawMessage{
		Subject: "Your Amazon.in order update",
		Text:    "Good news, your order has shipped, track your package from the app.",
		From:    "Amazon.in <shipment-tracking@amazon.in>",
	}}

	res := e.Classify(context.Background(), email, Options{})

	if res.Top != model.CategoryShopping {
		t.Fatalf("top = %s, candidates %+v", res.Top, res.Candidates)
	}
	if res.TopScore != 1 {
		t.Errorf("top score = %v", res.TopScore)
	}
	if res.Debug.Phrase[model.CategoryShopping] != 6 {
		t.Errorf("phrase layer = %v", res.Debug.Phrase[model.CategoryShopping])
	}
	if res.Debug.Heuristic[model.CategoryShopping] != 3 {
		t.Errorf("heuristic layer = %v", res.Debug.Heuristic[model.CategoryShopping])
	}
}

func TestKeywordsMatchWholeWords(t *testing.T) {
	scores := HeuristicScores("The chromosome data was ordered", "")
	if scores[model.CategoryShopping] != 0 {
		t.Errorf("ordered should not match order: %v", scores[model.CategoryShopping])
	}
	if scores[model.CategoryWork] != 0 {
		t.Errorf("chromosome should not match hr: %v", scores[model.CategoryWork])
	}
	scores = HeuristicScores("Get it 100% free, claim now", "")
	if scores[model.CategorySpam] != 2 {
		t.Errorf("spam keywords = %v", scores[model.CategorySpam])
	}
}

func TestExclusionRules(t *testing.T) {
	s := ExclusionScores("Congratulations you've won! Visit bit.ly/x to see who viewed your profile")
	if s[model.CategoryWork] != -0.8 {
		t.Errorf("work penalty = %v", s[model.CategoryWork])
	}
	if s[model.CategorySpam] != 2.5 {
		t.Errorf("spam = %v", s[model.CategorySpam])
	}
	if got := s[model.CategoryPromotions]; got < -0.1001 || got > -0.0999 {
		t.Errorf("promotions = %v", got)
	}
	if got := s[model.CategorySocial]; got < -1.2001 || got > -1.1999 {
		t.Errorf("social = %v", got)
	}
}

func TestStructuralSignals(t *testing.T) {
	html := strings.Repeat(`<a href="https://shop.example/p?utm_source=mail">Shop now</a>`, 6) +
		`<img width="1" height="1" src="https://t.example/px">` +
		strings.Repeat("<table><tr><td>x</td></tr></table>", 4)
	scores, signals := StructuralScores(StructuralInput{
		Subject:         "🔥 48h only",
		HTML:            html,
		From:            "Shop <news@shop.example>",
		Headers:         map[string]string{"X-Mailer": "Mailchimp Mailer"},
		ListUnsubscribe: true,
	}, config.Default().Classifier.Structural)

	for _, want := range []string{"link_heavy", "table_heavy", "cta_heavy", "tracking_params", "hidden_pixel", "unsubscribe_footer", "bulk_sender", "marketing_platform", "short_emoji_subject"} {
		if !contains(signals, want) {
			t.Errorf("missing signal %q in %v", want, signals)
		}
	}
	if scores[model.CategoryPromotions] <= scores[model.CategoryWork] {
		t.Errorf("promotions should dominate: %v", scores)
	}

	bill, sig := StructuralScores(StructuralInput{Subject: "Your invoice", Text: "Amount due: $40"}, config.Default().Classifier.Structural)
	if !contains(sig, "billing_keyword") || bill[model.CategoryBills] != 1.3 || bill[model.CategorySubscriptions] != -0.5 {
		t.Errorf("billing nudge wrong: %v %v", sig, bill)
	}
}

func TestClassifyUsesSemanticAndFeedback(t *testing.T) {
	cfg := config.Default().Classifier
	store := &fakeSeedStore{seeds: []model.CategorySeed{
		{Name: model.CategoryTravel, Enabled: true, Embedding: unitVector(128, 3)},
		{Name: model.CategoryFinance, Enabled: true, Embedding: unitVector(128, 7)},
	}}
	cache := NewEmbeddingCache(store, cfg.SemanticCacheTTL, cfg.MinVectorSize, zaptest.NewLogger(t))
	emb := &fakeEmbedder{vec: unitVector(128, 3)}
	fb := fakeFeedback{scores: model.CategoryScores{model.CategoryPersonal: 4}}
	e := newEngine(t, cache, emb, fb)

	email := &model.Email{UserID: 7, RawMessage: model.RawMessage{Subject: "hello", Text: "see you soon"}}
	res := e.Classify(context.Background(), email, Options{})

	if emb.calls != 1 {
		t.Errorf("embedder calls = %d", emb.calls)
	}
	if res.Debug.Semantic[model.CategoryTravel] != 1 || res.Debug.Semantic[model.CategoryFinance] != 0 {
		t.Errorf("semantic layer = %v", res.Debug.Semantic)
	}
	if res.Debug.Feedback[model.CategoryPersonal] != 4 {
		t.Errorf("feedback layer = %v", res.Debug.Feedback)
	}
	// travel: 0.25*1*5 + 0.04 = 1.29; personal: 0.35*4 + 0.05 = 1.45
	if res.Top != model.CategoryPersonal {
		t.Errorf("top = %s", res.Top)
	}

	res = e.Classify(context.Background(), email, Options{DisableSemantic: true, DisableFeedback: true})
	if res.Debug.Semantic[model.CategoryTravel] != 0 || res.Debug.Feedback[model.CategoryPersonal] != 0 {
		t.Error("disabled layers should stay at zero")
	}
}

func TestClassifyFeedbackErrorDegrades(t *testing.T) {
	e := newEngine(t, nil, nil, fakeFeedback{err: errors.New("db down")})
	res := e.Classify(context.Background(), &model.Email{UserID: 1}, Options{})
	if res.Debug.Feedback[model.CategoryWork] != 0 {
		t.Fatal("feedback error should zero the layer")
	}
	if res.Top != model.CategoryPromotions {
		t.Errorf("empty email should fall back to the highest prior, got %s", res.Top)
	}
}

func TestNormalizeTies(t *testing.T) {
	pos := model.NewCategoryScores()
	for _, c := range model.Categories {
		pos[c] = 0.5
	}
	for _, v := range Normalize(pos) {
		if v != 1 {
			t.Fatalf("positive ties normalize to 1, got %v", v)
		}
	}
	for _, v := range Normalize(model.NewCategoryScores()) {
		if v != 0 {
			t.Fatalf("zero ties normalize to 0, got %v", v)
		}
	}
}

// ---------------------------------------------------------------------------
// EmbeddingCache
// ---------------------------------------------------------------------------

func TestEmbeddingCacheTTLAndFailure(t *testing.T) {
	store := &fakeSeedStore{seeds: []model.CategorySeed{
		{Name: model.CategoryWork, Enabled: true, Embedding: unitVector(128, 0)},
		{Name: model.CategorySpam, Enabled: true, Embedding: unitVector(16, 0)},
		{Name: model.CategorySocial, Enabled: false, Embedding: unitVector(128, 1)},
	}}
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewEmbeddingCache(store, 15*time.Minute, 128, zaptest.NewLogger(t))
	cache.now = func() time.Time { return clock }
	ctx := context.Background()

	if got := cache.Get(ctx); len(got) != 1 || got[0].Name != model.CategoryWork {
		t.Fatalf("expected only the enabled, full-size seed: %+v", got)
	}
	cache.Get(ctx)
	if store.calls != 1 {
		t.Fatalf("fresh cache should not hit the store, calls=%d", store.calls)
	}

	clock = clock.Add(16 * time.Minute)
	store.err = errors.New("store unavailable")
	if got := cache.Get(ctx); len(got) != 1 {
		t.Fatalf("last good value should be retained: %+v", got)
	}
	cache.Get(ctx)
	if store.calls != 2 {
		t.Fatalf("failed refresh should back off, calls=%d", store.calls)
	}

	cache.Invalidate()
	if got := cache.Get(ctx); len(got) != 0 {
		t.Fatalf("invalidated cache with failing store should be empty: %+v", got)
	}
	clock = clock.Add(6 * time.Second)
	store.err = nil
	if got := cache.Get(ctx); len(got) != 1 {
		t.Fatalf("cache should recover after backoff: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestProperty_FusionNormalization(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("scores_in_unit_range_and_top_is_one", prop.ForAll(
		func(vals []float64) bool {
			raw := model.NewCategoryScores()
			for i, c := range model.Categories {
				raw[c] = vals[i%len(vals)]
			}
			l := Layers{
				Heuristic: raw, Phrase: model.NewCategoryScores(), Structural: model.NewCategoryScores(),
				Exclusion: model.NewCategoryScores(), Semantic: model.NewCategoryScores(), Feedback: model.NewCategoryScores(),
			}
			res := Fuse(l, config.FusionWeights{Heuristic: 1}, model.NewCategoryScores())
			allEqual := true
			for _, c := range model.Categories {
				if res.Debug.FusedRaw[c] != res.Debug.FusedRaw[model.Categories[0]] {
					allEqual = false
				}
			}
			for _, cand := range res.Candidates {
				if cand.Score < 0 || cand.Score > 1 {
					return false
				}
			}
			if !allEqual && res.TopScore != 1.0 {
				return false
			}
			return len(res.Candidates) == len(model.Categories)
		},
		gen.SliceOfN(12, gen.Float64Range(-50, 50)),
	))

	properties.TestingRun(t)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
