package feedback

import (
	"regexp"
	"sort"
	"strings"
)

var stopWords = toSet(
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from", "has", "have", "if", "in", "into", "is", "it", "its", "just",
	"me", "my", "new", "no", "not", "of", "on", "or", "our", "out", "so", "that", "the", "their", "there", "these", "this", "to", "up",
	"was", "we", "were", "will", "with", "you", "your", "re", "fw", "fwd", "regards", "thanks", "hello", "dear", "team", "please",
	"can", "could", "would", "should", "about", "after", "before", "more", "now", "today", "tomorrow", "yesterday", "update", "mail",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var (
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9\s]`)
	angleAddrRe  = regexp.MustCompile(`<([^>]+)>`)
	plainAddrRe  = regexp.MustCompile(`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
	numericRe    = regexp.MustCompile(`^\d+$`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

// ExtractKeywords 按出现次数取前 limit 个内容词，次数相同按首次出现顺序
func ExtractKeywords(text string, limit int) []string {
	clean := nonAlnumRe.ReplaceAllString(strings.ToLower(text), " ")
	counts := make(map[string]int)
	var order []string
	for _, tok := range strings.Fields(clean) {
		if len(tok) < 4 || numericRe.MatchString(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}

// SenderAddress 从 From 中取出小写邮箱地址
func SenderAddress(from string) string {
	text := strings.ToLower(from)
	if m := angleAddrRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return plainAddrRe.FindString(text)
}

// SenderDomain 地址 @ 之后的部分
func SenderDomain(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

func normalizeSubject(s string) string {
	s = nonAlnumRe.ReplaceAllString(strings.ToLower(s), " ")
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(s, " "))
}
