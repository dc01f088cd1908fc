package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigmamail/internal/feedback"
	"sigmamail/internal/model"
	"sigmamail/pkg/metrics"
)

// FeedbackRuleRepository feedback_rules 上有 (user_id, category, sender_domain) 唯一索引
type FeedbackRuleRepository struct {
	db *pgxpool.Pool
}

func NewFeedbackRuleRepository(db *pgxpool.Pool) *FeedbackRuleRepository {
	return &FeedbackRuleRepository{db: db}
}

const ruleColumns = `id, user_id, category, sender_domain, sender_emails, keyword_weights, feedback_count, last_feedback_at`

func (r *FeedbackRuleRepository) FindRule(ctx context.Context, userID int, category model.Category, domain string) (*model.FeedbackRule, error) {
	start := time.Now()
	row := r.db.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM feedback_rules
		WHERE user_id = $1 AND category = $2 AND sender_domain = $3
	`, userID, string(category), domain)
	rule, err := scanRule(row)
	metrics.RecordDBQueryDuration("select", "feedback_rules", time.Since(start))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, feedback.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find feedback rule: %w", err)
	}
	return rule, nil
}

func (r *FeedbackRuleRepository) SaveRule(ctx context.Context, rule *model.FeedbackRule) error {
	weights, err := json.Marshal(rule.KeywordWeights)
	if err != nil {
		return fmt.Errorf("marshal keyword weights: %w", err)
	}
	emails := rule.SenderEmails
	if emails == nil {
		emails = []string{}
	}

	start := time.Now()
	err = r.db.QueryRow(ctx, `
		INSERT INTO feedback_rules (user_id, category, sender_domain, sender_emails, keyword_weights, feedback_count, last_feedback_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id, category, sender_domain) DO UPDATE
		SET sender_emails = EXCLUDED.sender_emails,
		    keyword_weights = EXCLUDED.keyword_weights,
		    feedback_count = EXCLUDED.feedback_count,
		    last_feedback_at = EXCLUDED.last_feedback_at,
		    updated_at = NOW()
		RETURNING id
	`, rule.UserID, string(rule.Category), rule.SenderDomain, emails, weights, rule.FeedbackCount, rule.LastFeedbackAt).Scan(&rule.ID)
	metrics.RecordDBQueryDuration("upsert", "feedback_rules", time.Since(start))
	if err != nil {
		return fmt.Errorf("save feedback rule: %w", err)
	}
	return nil
}

func (r *FeedbackRuleRepository) ListRulesForDomain(ctx context.Context, userID int, domain string) ([]model.FeedbackRule, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM feedback_rules
		WHERE user_id = $1 AND sender_domain = $2
		ORDER BY category
	`, userID, domain)
	if err != nil {
		return nil, fmt.Errorf("query feedback rules: %w", err)
	}
	defer rows.Close()

	rules := []model.FeedbackRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	metrics.RecordDBQueryDuration("select", "feedback_rules", time.Since(start))
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (*model.FeedbackRule, error) {
	var (
		rule     model.FeedbackRule
		category string
		weights  []byte
	)
	if err := row.Scan(&rule.ID, &rule.UserID, &category, &rule.SenderDomain, &rule.SenderEmails, &weights, &rule.FeedbackCount, &rule.LastFeedbackAt); err != nil {
		return nil, err
	}
	rule.Category = model.Category(category)
	rule.KeywordWeights = map[string]int{}
	if len(weights) > 0 {
		if err := json.Unmarshal(weights, &rule.KeywordWeights); err != nil {
			return nil, fmt.Errorf("decode keyword weights: %w", err)
		}
	}
	return &rule, nil
}
