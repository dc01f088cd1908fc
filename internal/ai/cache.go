package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	staleSuffix  = ":stale"
	degradedName = "local-route"
)

// envelope 是缓存中的存储格式
type envelope[T any] struct {
	Result *T     `json:"result"`
	Model  string `json:"model,omitempty"`
}

// ResultCache 是任务结果的 redis 缓存；主 key 和 <key>:stale 两个层级
type ResultCache struct {
	rdb redis.Cmdable
}

func NewResultCache(rdb redis.Cmdable) *ResultCache {
	if rdb == nil {
		return nil
	}
	return &ResultCache{rdb: rdb}
}

func staleKey(key string) string {
	return key + staleSuffix
}

// readCached 未命中返回 ok=false, err=nil
func readCached[T any](ctx context.Context, c *ResultCache, key string) (T, string, bool, error) {
	var zero T
	if c == nil || key == "" {
		return zero, "", false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, "", false, nil
	}
	if err != nil {
		return zero, "", false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err == nil && env.Result != nil {
		return *env.Result, env.Model, true, nil
	}
	// 兼容直接存储结果体的旧格式
	var body T
	if err := json.Unmarshal(raw, &body); err != nil {
		return zero, "", false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return body, "", true, nil
}

func writeCached[T any](ctx context.Context, c *ResultCache, key string, result T, model string, ttl time.Duration) error {
	if c == nil || key == "" || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(envelope[T]{Result: &result, Model: model})
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate 删除主 key 和 stale 副本
func (c *ResultCache) Invalidate(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}
	all := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		all = append(all, k, staleKey(k))
	}
	if err := c.rdb.Del(ctx, all...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
