package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidCategory = errors.New("invalid category")

type Category string

const (
	CategoryWork          Category = "Work"
	CategoryFinance       Category = "Finance"
	CategoryBills         Category = "Bills"
	CategoryPersonal      Category = "Personal"
	CategoryTravel        Category = "Travel"
	CategoryPromotions    Category = "Promotions"
	CategorySubscriptions Category = "Subscriptions"
	CategorySocial        Category = "Social"
	CategoryShopping      Category = "Shopping"
	CategoryPriority      Category = "Priority"
	CategorySpam          Category = "Spam"
	CategoryGeneral       Category = "General"
)

// Categories 是固定的 12 个分类，顺序也是并列时的决胜顺序
var Categories = []Category{
	CategoryWork,
	CategoryFinance,
	CategoryBills,
	CategoryPersonal,
	CategoryTravel,
	CategoryPromotions,
	CategorySubscriptions,
	CategorySocial,
	CategoryShopping,
	CategoryPriority,
	CategorySpam,
	CategoryGeneral,
}

// ParseCategory 大小写不敏感
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// CategoryScores 每个分类一个分数
type CategoryScores map[Category]float64

// NewCategoryScores 返回 12 个分类都为 0 的向量
func NewCategoryScores() CategoryScores {
	s := make(CategoryScores, len(Categories))
	for _, c := range Categories {
		s[c] = 0
	}
	return s
}

// Add 把 other 累加到 s 上
func (s CategoryScores) Add(other CategoryScores) {
	for c, v := range other {
		s[c] += v
	}
}

type CategoryScore struct {
	Category Category `json:"category"`
	Score    float64  `json:"score"`
}

type ClassificationDebug struct {
	Heuristic  CategoryScores     `json:"heuristic"`
	Phrase     CategoryScores     `json:"phrase"`
	Structural CategoryScores     `json:"structural"`
	Exclusion  CategoryScores     `json:"exclusion"`
	Semantic   CategoryScores     `json:"semantic"`
	Feedback   CategoryScores     `json:"feedback"`
	FusedRaw   CategoryScores     `json:"fusedRaw"`
	Weights    map[string]float64 `json:"weights"`
	Signals    []string           `json:"signals,omitempty"`
}

// CategoryResult 按分数降序排列
type CategoryResult struct {
	Top        Category            `json:"top"`
	TopScore   float64             `json:"topScore"`
	Candidates []CategoryScore     `json:"candidates"`
	Debug      ClassificationDebug `json:"debug"`
}

// FeedbackRule 以 (UserID, Category, SenderDomain) 唯一
type FeedbackRule struct {
	ID             int64          `json:"id"`
	UserID         int            `json:"userId"`
	Category       Category       `json:"category"`
	SenderDomain   string         `json:"senderDomain"`
	SenderEmails   []string       `json:"senderEmails"`
	KeywordWeights map[string]int `json:"keywordWeights"`
	FeedbackCount  int            `json:"feedbackCount"`
	LastFeedbackAt time.Time      `json:"lastFeedbackAt"`
}

// CategorySeed 是分类的种子向量
type CategorySeed struct {
	Name      Category  `json:"name"`
	Enabled   bool      `json:"enabled"`
	Embedding []float64 `json:"embedding"`
}
