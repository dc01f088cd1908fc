package classification

import (
	"strings"
	"unicode/utf8"

	"sigmamail/internal/config"
	"sigmamail/internal/model"
)

// HeuristicScores L1 关键词 + L3 发件人域名
func HeuristicScores(text, from string) model.CategoryScores {
	scores := model.NewCategoryScores()
	lower := strings.ToLower(text)
	for _, m := range keywordMatchers {
		if m.re.MatchString(lower) {
			scores[m.category]++
		}
	}
	sender := strings.ToLower(from)
	for _, cat := range model.Categories {
		for _, domain := range senderRules[cat] {
			if strings.Contains(sender, domain) {
				scores[cat] += 2
			}
		}
	}
	return scores
}

// PhraseScores L2 短语
func PhraseScores(text string) model.CategoryScores {
	scores := model.NewCategoryScores()
	lower := strings.ToLower(text)
	for _, cat := range model.Categories {
		for _, p := range phraseRules[cat] {
			if strings.Contains(lower, p) {
				scores[cat] += 3
			}
		}
	}
	return scores
}

// ExclusionScores L4 伪装促销、垃圾信号与跨类冲突
func ExclusionScores(text string) model.CategoryScores {
	scores := model.NewCategoryScores()
	lower := strings.ToLower(text)
	for _, p := range promotionalDisguise {
		if !strings.Contains(lower, p) {
			continue
		}
		for _, cat := range model.Categories {
			if cat != model.CategoryPromotions && cat != model.CategorySpam {
				scores[cat] -= 0.8
			}
		}
		scores[model.CategoryPromotions] += 0.5
	}
	for _, p := range spamSignals {
		if strings.Contains(lower, p) {
			scores[model.CategorySpam] += 2.5
		}
	}
	for _, p := range crossCategoryConflict {
		if strings.Contains(lower, p) {
			scores[model.CategoryPromotions] -= 0.6
			scores[model.CategorySocial] -= 0.4
		}
	}
	return scores
}

// StructuralInput 结构层需要的原始材料
type StructuralInput struct {
	Subject         string
	Text            string
	HTML            string
	From            string
	Headers         map[string]string
	ListUnsubscribe bool
}

type nudge struct {
	signal string
	deltas map[model.Category]float64
}

var (
	nudgeLinkHeavy   = nudge{"link_heavy", map[model.Category]float64{model.CategoryPromotions: 1.5, model.CategorySubscriptions: 0.5, model.CategoryPersonal: -0.5}}
	nudgeTableHeavy  = nudge{"table_heavy", map[model.Category]float64{model.CategoryPromotions: 1, model.CategoryShopping: 0.5}}
	nudgeCTAHeavy    = nudge{"cta_heavy", map[model.Category]float64{model.CategoryPromotions: 1.2, model.CategorySpam: 0.3}}
	nudgeTracking    = nudge{"tracking_params", map[model.Category]float64{model.CategoryPromotions: 0.8, model.CategorySubscriptions: 0.3}}
	nudgeHiddenPixel = nudge{"hidden_pixel", map[model.Category]float64{model.CategoryPromotions: 0.6, model.CategorySpam: 0.4}}
	nudgeUnsubscribe = nudge{"unsubscribe_footer", map[model.Category]float64{model.CategorySubscriptions: 2, model.CategoryPromotions: 0.5}}
	nudgeBulkSender  = nudge{"bulk_sender", map[model.Category]float64{model.CategorySubscriptions: 0.6, model.CategoryPromotions: 0.4, model.CategoryPersonal: -0.5, model.CategoryWork: -0.3}}
	nudgePlatform    = nudge{"marketing_platform", map[model.Category]float64{model.CategoryPromotions: 1, model.CategorySubscriptions: 0.5}}
	nudgeEmoji       = nudge{"short_emoji_subject", map[model.Category]float64{model.CategoryPromotions: 0.8}}
	nudgeTemplate    = nudge{"template_leak", map[model.Category]float64{model.CategorySpam: 1, model.CategoryPromotions: 0.3}}
	nudgeSpamPhrase  = nudge{"spam_phrase", map[model.Category]float64{model.CategorySpam: 2.5}}
	nudgeBilling     = nudge{"billing_keyword", map[model.Category]float64{model.CategoryBills: 1.3, model.CategorySubscriptions: -0.5}}
)

// StructuralScores 按结构特征做固定增减，返回分数与命中的信号名
func StructuralScores(in StructuralInput, th config.StructuralThresholds) (model.CategoryScores, []string) {
	scores := model.NewCategoryScores()
	var signals []string
	apply := func(n nudge) {
		for cat, d := range n.deltas {
			scores[cat] += d
		}
		signals = append(signals, n.signal)
	}

	body := in.Text + "\n" + in.HTML
	if th.LinkHeavy > 0 && len(linkRe.FindAllStringIndex(body, -1)) >= th.LinkHeavy {
		apply(nudgeLinkHeavy)
	}
	if th.TableHeavy > 0 && len(tableRe.FindAllStringIndex(in.HTML, -1)) >= th.TableHeavy {
		apply(nudgeTableHeavy)
	}
	if th.CTAHeavy > 0 && len(ctaRe.FindAllStringIndex(body, -1)) >= th.CTAHeavy {
		apply(nudgeCTAHeavy)
	}
	if trackingParamRe.MatchString(body) {
		apply(nudgeTracking)
	}
	if hiddenPixelRe.MatchString(in.HTML) {
		apply(nudgeHiddenPixel)
	}
	if in.ListUnsubscribe || unsubscribeRe.MatchString(body) {
		apply(nudgeUnsubscribe)
	}
	if bulkLocalPartRe.MatchString(in.From) {
		apply(nudgeBulkSender)
	}
	if platformRe.MatchString(body) || platformRe.MatchString(headerValues(in.Headers)) {
		apply(nudgePlatform)
	}
	if utf8.RuneCountInString(in.Subject) < 40 && emojiRe.MatchString(in.Subject) {
		apply(nudgeEmoji)
	}
	if templateTokenRe.MatchString(in.Subject + "\n" + body) {
		apply(nudgeTemplate)
	}
	if spamPhraseRe.MatchString(in.Subject + "\n" + body) {
		apply(nudgeSpamPhrase)
	}
	if billingRe.MatchString(in.Subject + "\n" + body) {
		apply(nudgeBilling)
	}
	return scores, signals
}

func headerValues(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range h {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String()
}
