package classification

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
)

const (
	semanticScale      = 5
	seedRetryBackoff   = 5 * time.Second
	seedRefreshFlightK = "category-seeds"
)

// SeedStore 读取启用的分类种子向量
type SeedStore interface {
	ListCategorySeeds(ctx context.Context) ([]model.CategorySeed, error)
}

// EmbeddingCache 进程内共享的种子向量缓存。
// 读失败时保留上次的值（没有则为空），5s 后再重试
type EmbeddingCache struct {
	store         SeedStore
	ttl           time.Duration
	minVectorSize int
	logger        *zap.Logger
	now           func() time.Time

	mu        sync.RWMutex
	seeds     []model.CategorySeed
	expiresAt time.Time

	group singleflight.Group
}

func NewEmbeddingCache(store SeedStore, ttl time.Duration, minVectorSize int, log *zap.Logger) *EmbeddingCache {
	return &EmbeddingCache{
		store:         store,
		ttl:           ttl,
		minVectorSize: minVectorSize,
		logger:        logger.OrNop(log),
		now:           time.Now,
	}
}

// Get 返回缓存中的种子，过期时刷新
func (c *EmbeddingCache) Get(ctx context.Context) []model.CategorySeed {
	c.mu.RLock()
	seeds, fresh := c.seeds, c.now().Before(c.expiresAt)
	c.mu.RUnlock()
	if fresh {
		return seeds
	}
	return c.Refresh(ctx)
}

// Refresh 强制刷新，并发调用合并为一次读取
func (c *EmbeddingCache) Refresh(ctx context.Context) []model.CategorySeed {
	v, _, _ := c.group.Do(seedRefreshFlightK, func() (interface{}, error) {
		return c.load(ctx), nil
	})
	return v.([]model.CategorySeed)
}

func (c *EmbeddingCache) load(ctx context.Context) []model.CategorySeed {
	if c.store == nil {
		return nil
	}
	docs, err := c.store.ListCategorySeeds(ctx)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn("failed to refresh category embeddings",
			zap.Int("cached", len(c.seeds)),
			zap.Error(err),
		)
		c.expiresAt = now.Add(seedRetryBackoff)
		return c.seeds
	}

	filtered := make([]model.CategorySeed, 0, len(docs))
	for _, d := range docs {
		if d.Enabled && len(d.Embedding) >= c.minVectorSize {
			filtered = append(filtered, d)
		}
	}
	c.seeds = filtered
	c.expiresAt = now.Add(c.ttl)
	return filtered
}

// Invalidate 清空缓存
func (c *EmbeddingCache) Invalidate() {
	c.mu.Lock()
	c.seeds = nil
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// SemanticScores 邮件向量与各分类种子的余弦相似度，未缩放
func SemanticScores(embedding []float64, seeds []model.CategorySeed) model.CategoryScores {
	scores := model.NewCategoryScores()
	if len(embedding) == 0 {
		return scores
	}
	for _, s := range seeds {
		if _, known := scores[s.Name]; !known {
			continue
		}
		scores[s.Name] = math.Round(cosine(embedding, s.Embedding)*1e6) / 1e6
	}
	return scores
}

func cosine(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
