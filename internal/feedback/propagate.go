package feedback

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"sigmamail/internal/model"
)

const (
	seedKeywordLimit      = 14
	candidateKeywordLimit = 18
	queryKeywordLimit     = 6
)

// CandidateQuery 候选邮件的 OR 条件
type CandidateQuery struct {
	ExcludeID    string
	ThreadID     string
	SenderEmail  string
	SenderDomain string
	Keywords     []string
	Limit        int
}

func (q CandidateQuery) empty() bool {
	return q.ThreadID == "" && q.SenderEmail == "" && q.SenderDomain == "" && len(q.Keywords) == 0
}

// CandidateSource 读取候选邮件并批量改写分类
type CandidateSource interface {
	FindPropagationCandidates(ctx context.Context, userID int, q CandidateQuery) ([]model.Email, error)
	UpdateCategory(ctx context.Context, userID int, ids []string, category model.Category, score float64) (int64, error)
}

type PropagationResult struct {
	UpdatedCount    int64    `json:"updatedCount"`
	ScannedCount    int      `json:"scannedCount"`
	RelatedEmailIDs []string `json:"relatedEmailIds"`
}

// Propagate 把纠正后的分类扩散到同线程、同发件人或内容相近的邮件
func (s *Store) Propagate(ctx context.Context, userID int, seed *model.Email, category model.Category) (PropagationResult, error) {
	res := PropagationResult{RelatedEmailIDs: []string{}}
	if s.candidates == nil || seed == nil || userID == 0 {
		return res, nil
	}

	seedSender := SenderAddress(seed.From)
	seedDomain := SenderDomain(seedSender)
	seedKeywords := ExtractKeywords(strings.Join([]string{seed.Subject, seed.Snippet, seed.Text, seed.HTMLBody}, "\n"), seedKeywordLimit)
	seedSet := toSet(seedKeywords...)
	seedSubject := normalizeSubject(seed.Subject)

	q := CandidateQuery{
		ExcludeID:    seed.ID,
		ThreadID:     seed.ThreadID,
		SenderEmail:  seedSender,
		SenderDomain: seedDomain,
		Keywords:     seedKeywords[:min(queryKeywordLimit, len(seedKeywords))],
		Limit:        max(minCandidateLimit, s.cfg.MaxCandidates),
	}
	if q.empty() {
		return res, nil
	}

	candidates, err := s.candidates.FindPropagationCandidates(ctx, userID, q)
	if err != nil {
		return res, fmt.Errorf("find propagation candidates: %w", err)
	}
	res.ScannedCount = len(candidates)

	maxUpdates := s.cfg.MaxUpdates
	for i := range candidates {
		c := &candidates[i]
		if c.ID == "" || c.ID == seed.ID {
			continue
		}
		if !related(seed, seedSender, seedDomain, seedSubject, seedSet, c) {
			continue
		}
		res.RelatedEmailIDs = append(res.RelatedEmailIDs, c.ID)
		if maxUpdates > 0 && len(res.RelatedEmailIDs) >= maxUpdates {
			break
		}
	}
	if len(res.RelatedEmailIDs) == 0 {
		return res, nil
	}

	updated, err := s.candidates.UpdateCategory(ctx, userID, res.RelatedEmailIDs, category, 1)
	if err != nil {
		return res, fmt.Errorf("update related categories: %w", err)
	}
	res.UpdatedCount = updated
	s.logger.Info("category propagated",
		zap.Int("user_id", userID),
		zap.String("seed_id", seed.ID),
		zap.String("category", string(category)),
		zap.Int("scanned", res.ScannedCount),
		zap.Int64("updated", updated),
	)
	return res, nil
}

func related(seed *model.Email, seedSender, seedDomain, seedSubject string, seedSet map[string]struct{}, c *model.Email) bool {
	if seed.ThreadID != "" && c.ThreadID == seed.ThreadID {
		return true
	}
	sender := SenderAddress(c.From)
	if seedSender != "" && sender == seedSender {
		return true
	}

	domain := SenderDomain(sender)
	overlap := 0
	for _, kw := range ExtractKeywords(strings.Join([]string{c.Subject, c.Snippet, c.Text}, "\n"), candidateKeywordLimit) {
		if _, ok := seedSet[kw]; ok {
			overlap++
		}
	}
	sameDomain := seedDomain != "" && domain == seedDomain

	var score float64
	if sameDomain {
		score += 3
	}
	if overlap > 0 {
		score += math.Min(4, float64(overlap)*1.2)
	}
	subject := normalizeSubject(c.Subject)
	if seedSubject != "" && subject != "" && (strings.Contains(subject, seedSubject) || strings.Contains(seedSubject, subject)) {
		score += 2
	}
	return score >= 6 || (sameDomain && overlap >= 2) || overlap >= 4
}
