package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigmamail/internal/feedback"
	"sigmamail/internal/model"
	"sigmamail/pkg/metrics"
)

// emails.raw 保存完整的 model.Email，其余列用于查询和覆盖可变字段
type EmailRepository struct {
	db *pgxpool.Pool
}

func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{db: db}
}

// Upsert 写入或覆盖同步层交过来的邮件；已有分类不被覆盖
func (r *EmailRepository) Upsert(ctx context.Context, e *model.Email) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal email %s: %w", e.ID, err)
	}
	start := time.Now()
	_, err = r.db.Exec(ctx, `
		INSERT INTO emails (id, user_id, thread_id, subject, from_addr, snippet, raw, is_read, received_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET thread_id = EXCLUDED.thread_id,
		    subject = EXCLUDED.subject,
		    from_addr = EXCLUDED.from_addr,
		    snippet = EXCLUDED.snippet,
		    raw = EXCLUDED.raw,
		    is_read = EXCLUDED.is_read,
		    received_at = EXCLUDED.received_at,
		    updated_at = NOW()
	`, e.ID, e.UserID, e.ThreadID, e.Subject, e.From, e.Snippet, raw, e.IsRead, receivedAt(e))
	metrics.RecordDBQueryDuration("upsert", "emails", time.Since(start))
	if err != nil {
		return fmt.Errorf("upsert email %s: %w", e.ID, err)
	}
	return nil
}

// FindByID 不存在时返回包装后的 pgx.ErrNoRows
func (r *EmailRepository) FindByID(ctx context.Context, userID int, emailID string) (*model.Email, error) {
	start := time.Now()
	row := r.db.QueryRow(ctx, `
		SELECT raw, category, category_score, is_read
		FROM emails
		WHERE user_id = $1 AND id = $2
	`, userID, emailID)
	e, err := scanEmail(row)
	metrics.RecordDBQueryDuration("select", "emails", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("find email %s: %w", emailID, err)
	}
	return e, nil
}

// FindThread 按时间顺序返回同一 thread 的消息
func (r *EmailRepository) FindThread(ctx context.Context, userID int, threadID string) (*model.Thread, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT raw, category, category_score, is_read
		FROM emails
		WHERE user_id = $1 AND thread_id = $2
		ORDER BY received_at ASC
	`, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread %s: %w", threadID, err)
	}
	defer rows.Close()

	emails, err := collectEmails(rows)
	metrics.RecordDBQueryDuration("select", "emails", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("scan thread %s: %w", threadID, err)
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("find thread %s: %w", threadID, pgx.ErrNoRows)
	}

	t := &model.Thread{
		ID:       threadID,
		UserID:   userID,
		Subject:  emails[0].Subject,
		Messages: make([]model.RawMessage, 0, len(emails)),
	}
	for i := range emails {
		t.Messages = append(t.Messages, emails[i].RawMessage)
	}
	last := emails[len(emails)-1]
	t.LastMessageAt = model.NewFlexTime(receivedAt(&last))
	t.LastMessageFrom = last.From
	return t, nil
}

// FindPropagationCandidates 同线程、同发件人、同域名或关键词命中任一即可入选
func (r *EmailRepository) FindPropagationCandidates(ctx context.Context, userID int, q feedback.CandidateQuery) ([]model.Email, error) {
	patterns := make([]string, 0, len(q.Keywords))
	for _, kw := range q.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			patterns = append(patterns, "%"+kw+"%")
		}
	}

	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT raw, category, category_score, is_read
		FROM emails
		WHERE user_id = $1
		  AND id <> $2
		  AND (
		        ($3 <> '' AND thread_id = $3)
		     OR ($4 <> '' AND lower(from_addr) LIKE '%' || $4 || '%')
		     OR ($5 <> '' AND lower(from_addr) LIKE '%@' || $5 || '%')
		     OR (cardinality($6::text[]) > 0 AND (subject ILIKE ANY($6::text[]) OR snippet ILIKE ANY($6::text[])))
		  )
		ORDER BY received_at DESC
		LIMIT $7
	`, userID, q.ExcludeID, q.ThreadID, strings.ToLower(q.SenderEmail), strings.ToLower(q.SenderDomain), patterns, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query propagation candidates: %w", err)
	}
	defer rows.Close()

	emails, err := collectEmails(rows)
	metrics.RecordDBQueryDuration("select", "emails", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("scan propagation candidates: %w", err)
	}
	return emails, nil
}

// UpdateCategory 批量改写分类，返回实际更新的行数
func (r *EmailRepository) UpdateCategory(ctx context.Context, userID int, ids []string, category model.Category, score float64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	tag, err := r.db.Exec(ctx, `
		UPDATE emails
		SET category = $3, category_score = $4, updated_at = NOW()
		WHERE user_id = $1 AND id = ANY($2)
	`, userID, ids, string(category), score)
	metrics.RecordDBQueryDuration("update", "emails", time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("update category: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateCategoryTx 分拣结果落库时在同一事务中更新分类
func (r *EmailRepository) UpdateCategoryTx(ctx context.Context, tx pgx.Tx, userID int, emailID string, category model.Category, score float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE emails
		SET category = $3, category_score = $4, updated_at = NOW()
		WHERE user_id = $1 AND id = $2
	`, userID, emailID, string(category), score)
	if err != nil {
		return fmt.Errorf("update category of %s: %w", emailID, err)
	}
	return nil
}

func scanEmail(row pgx.Row) (*model.Email, error) {
	var (
		raw      []byte
		category *string
		score    *float64
		isRead   bool
	)
	if err := row.Scan(&raw, &category, &score, &isRead); err != nil {
		return nil, err
	}
	var e model.Email
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode raw email: %w", err)
	}
	if category != nil {
		e.Category = model.Category(*category)
	}
	if score != nil {
		e.CategoryScore = *score
	}
	e.IsRead = isRead
	return &e, nil
}

func collectEmails(rows pgx.Rows) ([]model.Email, error) {
	emails := []model.Email{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

// receivedAt 取邮件自带的时间，都没有时用当前时间
func receivedAt(e *model.Email) time.Time {
	for _, t := range []model.FlexTime{e.InternalDate, e.ReceivedAt, e.Timestamp, e.Date, e.SentAt, e.CreatedAt} {
		if !t.IsZero() {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
