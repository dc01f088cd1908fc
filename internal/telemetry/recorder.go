package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
)

const (
	DefaultLimit = 12
	MaxLimit     = 50
	defaultKeep  = 100
)

var ErrInvalidEntry = errors.New("telemetry entry requires user, task and strategy")

// Recorder 每个用户一个定长的编排状态日志。rdb 为 nil 时使用进程内存
type Recorder struct {
	rdb     redis.Cmdable
	keep    int
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	memory map[string][]model.StatusEntry
}

func NewRecorder(rdb redis.Cmdable, keep int, timeout time.Duration, log *zap.Logger) *Recorder {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &Recorder{
		rdb:     rdb,
		keep:    keep,
		timeout: timeout,
		logger:  logger.OrNop(log),
		now:     time.Now,
		memory:  make(map[string][]model.StatusEntry),
	}
}

func statusKey(userID int) string {
	return fmt.Sprintf("ai:orchestrator:status:%d", userID)
}

// Record 追加一条状态，最新的在最前面。调用方决定是否忽略返回的错误
func (r *Recorder) Record(ctx context.Context, userID int, meta model.Meta, extra map[string]string) error {
	if userID == 0 || meta.Task == "" || meta.Strategy == "" {
		return ErrInvalidEntry
	}
	entry := model.StatusEntry{
		At:         r.now().UTC(),
		Task:       meta.Task,
		Strategy:   meta.Strategy,
		Confidence: meta.Confidence,
		Model:      meta.Model,
		LatencyMs:  meta.DurationMs,
		Cached:     meta.Cached,
		Error:      meta.Error,
		Context:    extra,
	}
	key := statusKey(userID)

	if r.rdb == nil {
		r.writeMemory(key, entry)
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal status entry: %w", err)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, payload)
		p.LTrim(ctx, key, 0, int64(r.keep-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("telemetry write: %w", err)
	}
	return nil
}

// Recent 返回最近 limit 条，limit 限制在 [1, 50]，<=0 时取默认值。
// 读取失败返回空列表和错误
func (r *Recorder) Recent(ctx context.Context, userID int, limit int) ([]model.StatusEntry, error) {
	out := []model.StatusEntry{}
	if userID == 0 {
		return out, nil
	}
	limit = ClampLimit(limit)
	key := statusKey(userID)

	if r.rdb == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		rows := r.memory[key]
		return append(out, rows[:min(limit, len(rows))]...), nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return out, fmt.Errorf("telemetry read: %w", err)
	}
	for _, raw := range rows {
		var e model.StatusEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			r.logger.Debug("skipping malformed telemetry row", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Recorder) Clear(ctx context.Context, userID int) error {
	if userID == 0 {
		return nil
	}
	key := statusKey(userID)
	if r.rdb == nil {
		r.mu.Lock()
		delete(r.memory, key)
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("telemetry clear: %w", err)
	}
	return nil
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(max(limit, 1), MaxLimit)
}

func (r *Recorder) writeMemory(key string, e model.StatusEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := append([]model.StatusEntry{e}, r.memory[key]...)
	if len(rows) > r.keep {
		rows = rows[:r.keep]
	}
	r.memory[key] = rows
}

func (r *Recorder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}
