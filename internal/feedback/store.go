package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
)

const (
	maxRuleKeywords   = 12
	maxSenderEmails   = 100
	maxKeywordWeight  = 10
	knownSenderBoost  = 3
	domainBoost       = 2
	keywordBoostUnit  = 0.35
	keywordBoostCap   = 1.4
	ruleBoostCap      = 4
	minCandidateLimit = 50
)

var (
	ErrRuleNotFound   = errors.New("feedback rule not found")
	ErrNoSenderDomain = errors.New("sender domain not found")
)

// Repository 规则持久化，(userID, category, domain) 唯一
type Repository interface {
	FindRule(ctx context.Context, userID int, category model.Category, domain string) (*model.FeedbackRule, error)
	SaveRule(ctx context.Context, rule *model.FeedbackRule) error
	ListRulesForDomain(ctx context.Context, userID int, domain string) ([]model.FeedbackRule, error)
}

// Store 记录用户纠正并把它转成分类打分
type Store struct {
	repo       Repository
	candidates CandidateSource
	cfg        config.FeedbackConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewStore(repo Repository, candidates CandidateSource, cfg config.FeedbackConfig, log *zap.Logger) *Store {
	return &Store{
		repo:       repo,
		candidates: candidates,
		cfg:        cfg,
		logger:     logger.OrNop(log),
		now:        time.Now,
	}
}

// RecordFeedback 新建或合并 (user, category, domain) 规则。
// 读-合并-写不是原子的，同一 key 并发纠正可能丢一次计数
func (s *Store) RecordFeedback(ctx context.Context, userID int, email *model.Email, category model.Category) (*model.FeedbackRule, error) {
	if _, err := model.ParseCategory(string(category)); err != nil {
		return nil, err
	}
	if email == nil {
		return nil, ErrNoSenderDomain
	}
	sender := SenderAddress(email.From)
	domain := SenderDomain(sender)
	if domain == "" {
		return nil, ErrNoSenderDomain
	}

	keywords := ExtractKeywords(strings.Join([]string{email.Subject, email.Snippet, email.Text, email.HTMLBody}, "\n"), maxRuleKeywords)
	now := s.now().UTC()

	rule, err := s.repo.FindRule(ctx, userID, category, domain)
	switch {
	case errors.Is(err, ErrRuleNotFound):
		rule = &model.FeedbackRule{
			UserID:         userID,
			Category:       category,
			SenderDomain:   domain,
			KeywordWeights: make(map[string]int, len(keywords)),
		}
		if sender != "" {
			rule.SenderEmails = []string{sender}
		}
		for _, kw := range keywords {
			rule.KeywordWeights[kw] = 1
		}
	case err != nil:
		return nil, fmt.Errorf("find feedback rule: %w", err)
	default:
		mergeRule(rule, sender, keywords)
	}
	rule.FeedbackCount++
	rule.LastFeedbackAt = now

	if err := s.repo.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("save feedback rule: %w", err)
	}
	metrics.IncrementFeedback(string(category))
	s.logger.Info("feedback recorded",
		zap.Int("user_id", userID),
		zap.String("category", string(category)),
		zap.String("sender_domain", domain),
		zap.Int("feedback_count", rule.FeedbackCount),
		zap.Int("keywords", len(keywords)),
	)
	return rule, nil
}

func mergeRule(rule *model.FeedbackRule, sender string, keywords []string) {
	if sender != "" && !containsString(rule.SenderEmails, sender) {
		rule.SenderEmails = append(rule.SenderEmails, sender)
	}
	if len(rule.SenderEmails) > maxSenderEmails {
		rule.SenderEmails = rule.SenderEmails[:maxSenderEmails]
	}
	if rule.KeywordWeights == nil {
		rule.KeywordWeights = make(map[string]int, len(keywords))
	}
	for _, kw := range keywords {
		rule.KeywordWeights[kw] = min(rule.KeywordWeights[kw]+1, maxKeywordWeight)
	}
}

// ComputeScores 对发件域名下的每条规则打分并按分类累加
func (s *Store) ComputeScores(ctx context.Context, userID int, email *model.Email) (model.CategoryScores, error) {
	scores := model.NewCategoryScores()
	if email == nil || userID == 0 {
		return scores, nil
	}
	sender := SenderAddress(email.From)
	domain := SenderDomain(sender)
	if domain == "" {
		return scores, nil
	}

	rules, err := s.repo.ListRulesForDomain(ctx, userID, domain)
	if err != nil {
		return scores, fmt.Errorf("list feedback rules: %w", err)
	}
	text := strings.ToLower(strings.Join([]string{email.Subject, email.Snippet, email.Text}, "\n"))
	for _, rule := range rules {
		if _, ok := scores[rule.Category]; !ok {
			continue
		}
		scores[rule.Category] += RuleBoost(rule, sender, text)
	}
	return scores, nil
}

// RuleBoost 单条规则的加分，text 需已小写
func RuleBoost(rule model.FeedbackRule, sender, text string) float64 {
	boost := float64(domainBoost)
	if sender != "" && containsString(rule.SenderEmails, sender) {
		boost += knownSenderBoost
	}

	keys := make([]string, 0, len(rule.KeywordWeights))
	for kw := range rule.KeywordWeights {
		keys = append(keys, kw)
	}
	sort.Strings(keys)

	var kwBoost float64
	for _, kw := range keys {
		if kw == "" || !strings.Contains(text, kw) {
			continue
		}
		w := math.Max(float64(rule.KeywordWeights[kw]), 1)
		kwBoost += math.Min(keywordBoostUnit*w, keywordBoostCap)
	}
	return boost + math.Min(kwBoost, ruleBoostCap)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
