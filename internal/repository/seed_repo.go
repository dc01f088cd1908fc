package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sigmamail/internal/model"
	"sigmamail/pkg/metrics"
)

type SeedRepository struct {
	db *pgxpool.Pool
}

func NewSeedRepository(db *pgxpool.Pool) *SeedRepository {
	return &SeedRepository{db: db}
}

// ListCategorySeeds 只返回启用的种子
func (r *SeedRepository) ListCategorySeeds(ctx context.Context) ([]model.CategorySeed, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT name, enabled, embedding
		FROM category_seeds
		WHERE enabled
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query category seeds: %w", err)
	}
	defer rows.Close()

	seeds := []model.CategorySeed{}
	for rows.Next() {
		var (
			s    model.CategorySeed
			name string
		)
		if err := rows.Scan(&name, &s.Enabled, &s.Embedding); err != nil {
			return nil, fmt.Errorf("scan category seed: %w", err)
		}
		s.Name = model.Category(name)
		seeds = append(seeds, s)
	}
	metrics.RecordDBQueryDuration("select", "category_seeds", time.Since(start))
	return seeds, rows.Err()
}

// UpsertSeed 供离线生成种子向量的脚本使用
func (r *SeedRepository) UpsertSeed(ctx context.Context, s model.CategorySeed) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO category_seeds (name, enabled, embedding, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET enabled = EXCLUDED.enabled, embedding = EXCLUDED.embedding, updated_at = NOW()
	`, string(s.Name), s.Enabled, s.Embedding)
	if err != nil {
		return fmt.Errorf("upsert category seed %s: %w", s.Name, err)
	}
	return nil
}
