package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigmamail/internal/model"
	"sigmamail/pkg/metrics"
)

type TriageRepository struct {
	db *pgxpool.Pool
}

func NewTriageRepository(db *pgxpool.Pool) *TriageRepository {
	return &TriageRepository{db: db}
}

// SaveResultTx 每封邮件只保留最新一次的结果
func (r *TriageRepository) SaveResultTx(ctx context.Context, tx pgx.Tx, rec *model.TriageRecord) error {
	action, err := json.Marshal(rec.Action)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	var decision []byte
	if len(rec.AIDecision) > 0 {
		decision = rec.AIDecision
	}

	fu := rec.Action.FollowUp
	_, err = tx.Exec(ctx, `
		INSERT INTO triage_results (
			email_id, user_id, category, category_score, action, ai_decision,
			needs_reply, has_deadline, is_follow_up, is_overdue, awaiting_reply, processed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (email_id) DO UPDATE
		SET category = EXCLUDED.category,
		    category_score = EXCLUDED.category_score,
		    action = EXCLUDED.action,
		    ai_decision = COALESCE(EXCLUDED.ai_decision, triage_results.ai_decision),
		    needs_reply = EXCLUDED.needs_reply,
		    has_deadline = EXCLUDED.has_deadline,
		    is_follow_up = EXCLUDED.is_follow_up,
		    is_overdue = EXCLUDED.is_overdue,
		    awaiting_reply = EXCLUDED.awaiting_reply,
		    processed_at = EXCLUDED.processed_at,
		    updated_at = NOW()
	`, rec.EmailID, rec.UserID, string(rec.Category), rec.CategoryScore, action, decision,
		rec.Action.NeedsReply.NeedsReply, rec.Action.Deadline.HasDeadline, fu.IsFollowUp, fu.IsOverdue, fu.AwaitingReply, rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("save triage result %s: %w", rec.EmailID, err)
	}
	return nil
}

func (r *TriageRepository) FindResult(ctx context.Context, userID int, emailID string) (*model.TriageRecord, error) {
	start := time.Now()
	row := r.db.QueryRow(ctx, `
		SELECT email_id, user_id, category, category_score, action, ai_decision, processed_at
		FROM triage_results
		WHERE user_id = $1 AND email_id = $2
	`, userID, emailID)
	rec, err := scanRecord(row)
	metrics.RecordDBQueryDuration("select", "triage_results", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("find triage result %s: %w", emailID, err)
	}
	return rec, nil
}

// ListForReevaluation 取出带截止时间或仍在等待回复、且最久未评估的结果。
// awaiting_reply 覆盖首次评估时还没越过跟进阈值的外发邮件
func (r *TriageRepository) ListForReevaluation(ctx context.Context, before time.Time, limit int) ([]model.TriageRecord, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT email_id, user_id, category, category_score, action, ai_decision, processed_at
		FROM triage_results
		WHERE (has_deadline OR ((is_follow_up OR awaiting_reply) AND NOT is_overdue))
		  AND processed_at < $1
		ORDER BY processed_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query reevaluation batch: %w", err)
	}
	defer rows.Close()

	out := []model.TriageRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan triage result: %w", err)
		}
		out = append(out, *rec)
	}
	metrics.RecordDBQueryDuration("select", "triage_results", time.Since(start))
	return out, rows.Err()
}

// ListTriagedSince 日报的数据源
func (r *TriageRepository) ListTriagedSince(ctx context.Context, userID int, since time.Time) ([]model.TriagedEmail, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT e.raw, e.category, e.category_score, e.is_read, t.action, t.processed_at
		FROM emails e
		JOIN triage_results t ON t.email_id = e.id
		WHERE e.user_id = $1 AND e.received_at >= $2
		ORDER BY e.received_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query triaged emails: %w", err)
	}
	defer rows.Close()

	out := []model.TriagedEmail{}
	for rows.Next() {
		var (
			raw       []byte
			category  *string
			score     *float64
			isRead    bool
			action    []byte
			processed time.Time
		)
		if err := rows.Scan(&raw, &category, &score, &isRead, &action, &processed); err != nil {
			return nil, fmt.Errorf("scan triaged email: %w", err)
		}
		var te model.TriagedEmail
		if err := json.Unmarshal(raw, &te.Email); err != nil {
			return nil, fmt.Errorf("decode raw email: %w", err)
		}
		if err := json.Unmarshal(action, &te.Action); err != nil {
			return nil, fmt.Errorf("decode action result: %w", err)
		}
		if category != nil {
			te.Email.Category = model.Category(*category)
		}
		if score != nil {
			te.Email.CategoryScore = *score
		}
		te.Email.IsRead = isRead
		te.ProcessedAt = processed
		out = append(out, te)
	}
	metrics.RecordDBQueryDuration("select", "triage_results", time.Since(start))
	return out, rows.Err()
}

// SaveDecision 用户主动请求的 AI 复核结果
func (r *TriageRepository) SaveDecision(ctx context.Context, userID int, emailID string, decision any) error {
	body, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal ai decision: %w", err)
	}
	start := time.Now()
	_, err = r.db.Exec(ctx, `
		UPDATE triage_results
		SET ai_decision = $3, updated_at = NOW()
		WHERE user_id = $1 AND email_id = $2
	`, userID, emailID, body)
	metrics.RecordDBQueryDuration("update", "triage_results", time.Since(start))
	if err != nil {
		return fmt.Errorf("save ai decision %s: %w", emailID, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*model.TriageRecord, error) {
	var (
		rec      model.TriageRecord
		category string
		action   []byte
		decision []byte
	)
	if err := row.Scan(&rec.EmailID, &rec.UserID, &category, &rec.CategoryScore, &action, &decision, &rec.ProcessedAt); err != nil {
		return nil, err
	}
	rec.Category = model.Category(category)
	if err := json.Unmarshal(action, &rec.Action); err != nil {
		return nil, fmt.Errorf("decode action result: %w", err)
	}
	if len(decision) > 0 {
		rec.AIDecision = decision
	}
	return &rec, nil
}
