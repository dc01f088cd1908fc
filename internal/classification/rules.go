package classification

import (
	"regexp"
	"strings"

	"sigmamail/internal/model"
)

// 规则表只放数据，打分逻辑在 scorers.go

// keywordRules L1 单词/短词，整词匹配，每个命中 +1
var keywordRules = map[model.Category][]string{
	model.CategoryWork: {
		"jira", "confluence", "sla", "okr", "fyi", "agenda", "sprint", "roadmap", "client", "deliverable",
		"syncup", "hr", "payroll", "project", "task", "report", "review", "meeting", "deadline",
	},
	model.CategoryFinance: {
		"statement", "credit", "debit", "balance", "loan", "tax", "portfolio", "deposit", "withdrawal",
		"mutual fund", "nps", "fd", "upi", "transaction", "account", "security alert", "refund",
	},
	model.CategoryBills: {
		"invoice", "due", "utility", "ebill", "electricity", "water bill", "phone bill", "renewal",
		"autodebit", "payment reminder", "paid successfully", "bill",
	},
	model.CategoryPersonal: {
		"wedding", "birthday", "photos", "family", "friends", "get together", "checking in", "catch up",
		"how are you", "miss you",
	},
	model.CategoryTravel: {
		"flight", "booking", "pnr", "boarding pass", "itinerary", "visa", "ticket", "hotel", "cancellation",
		"check-in", "gate", "e-ticket", "train", "boarding",
	},
	model.CategoryPromotions: {
		"sale", "offer", "discount", "coupon", "limited time", "exclusive", "flash sale", "deal", "free gift",
	},
	model.CategorySubscriptions: {
		"renewal", "membership", "subscription", "saas", "trial expired", "new feature", "release notes", "version",
	},
	model.CategorySocial: {
		"followed you", "tagged you", "commented", "friend request", "connection", "likes", "dm", "notification",
	},
	model.CategoryShopping: {
		"order", "delivery", "shipment", "tracking", "return", "refund processed", "cart", "checkout", "placed",
	},
	model.CategoryPriority: {
		"urgent", "action required", "immediately", "otp", "2fa", "unauthorized login", "password reset", "security breach",
	},
	model.CategorySpam: {
		"claim now", "lottery", "prize", "guaranteed", "free money", "100% free", "adult", "viagra", "click here",
	},
}

// phraseRules L2 多词短语，子串匹配，每个命中 +3
var phraseRules = map[model.Category][]string{
	model.CategoryWork:     {"out of office", "meeting minutes", "q1 goals", "next steps on", "please provide feedback", "attached document"},
	model.CategoryFinance:  {"credit card statement", "current balance is", "your statement date", "kyc update", "asset management"},
	model.CategoryBills:    {"payment for your last order", "last day to pay", "your invoice number", "auto debit success"},
	model.CategoryTravel:   {"travel insurance document", "e-ticket number", "baggage policy", "airport transfer", "check-in opens"},
	model.CategoryShopping: {"out for delivery", "your order has shipped", "track your package", "view your receipt", "click to review"},
	model.CategoryPriority: {"your account has been locked", "change in terms of service", "high priority request", "suspicious activity"},
}

// senderRules L3 发件人域名，子串匹配，每个命中 +2
var senderRules = map[model.Category][]string{
	model.CategoryWork:          {"@corp.com", "@enterprise.net", "@mycompany.io", "@slack.com", "@microsoft.com", "@salesforce.com"},
	model.CategoryFinance:       {"@rbi.org.in", "@sebi.gov.in", "@zerodha.com", "@etmoney.com", "@cred.com", "@upstox.com", "@hdfcbank.com", "@sbi.co.in"},
	model.CategoryBills:         {"@jio.com", "@airtel.in", "@bsnl.co.in", "@paytm.com", "@google.com", "@utilityprovider.com", "@zomato.com", "@swiggy.in"},
	model.CategoryTravel:        {"@booking.com", "@expedia.com", "@makemytrip.com", "@goibibo.com", "@redbus.in", "@airbnb.com", "@uber.com", "@ola.com"},
	model.CategorySocial:        {"@linkedin.com", "@pinterest.com", "@redditmail.com", "@whatsapp.net", "@telegram.org", "@facebookmail.com"},
	model.CategoryPromotions:    {"@newsletter.com", "@promo.net", "@deals.in", "@marketing.co", "@ads.com", "@offers.com"},
	model.CategorySubscriptions: {"@spotify.com", "@netflix.com", "@hotstar.com", "@zoom.us", "@canva.com", "@substack.com", "@adobe.com"},
	model.CategoryShopping:      {"@amazon.in", "@flipkart.com", "@myntra.com", "@bigbasket.com", "@zara.com", "@ajio.com", "@nykaa.com"},
}

// L4 排除规则
var (
	promotionalDisguise = []string{
		"congratulations you've won", "limited time offer just for you", "click here to redeem your prize",
		"free trial ends soon", "you have been selected", "money-back guarantee", "act now before it's gone",
	}
	spamSignals = []string{
		"excessive use of all caps", "mismatched sender display name", "bit.ly", "tinyurl", "goo.gl", "image-only email",
	}
	crossCategoryConflict = []string{
		"join my network", "see who viewed your profile", "download our free ebook", "refer a friend and get 10%",
	}
)

// 结构特征
var (
	linkRe          = regexp.MustCompile(`(?i)(?:href\s*=|https?://)`)
	tableRe         = regexp.MustCompile(`(?i)<table\b`)
	ctaRe           = regexp.MustCompile(`(?i)\b(?:shop now|buy now|order now|learn more|sign up|get started|click here|redeem|claim (?:your|now)|subscribe now|book now)\b`)
	trackingParamRe = regexp.MustCompile(`(?i)[?&](?:utm_[a-z]+|mc_cid|mc_eid|trk|_hsenc|_hsmi)=`)
	hiddenPixelRe   = regexp.MustCompile(`(?i)(?:width\s*=\s*["']?1["']?\s+height\s*=\s*["']?1\b|display\s*:\s*none|opacity\s*:\s*0(?:\.0+)?\s*[;"'])`)
	bulkLocalPartRe = regexp.MustCompile(`(?i)(?:^|[<\s"])(?:no-?reply|do-?not-?reply|donotreply|newsletters?|news|marketing|promo(?:tions)?|bulk|mailer|info|updates)@`)
	platformRe      = regexp.MustCompile(`(?i)\b(?:mailchimp|sendgrid|klaviyo|hubspot|constant ?contact|mailgun|braze|sendinblue|brevo|campaign monitor)\b`)
	templateTokenRe = regexp.MustCompile(`(?:\{\{\s*\w+\s*\}\}|\*\|[A-Z_]+\|\*|%%[a-zA-Z_]+%%|\[first_?name\])`)
	unsubscribeRe   = regexp.MustCompile(`(?i)\bunsubscribe\b`)
	spamPhraseRe    = regexp.MustCompile(`(?i)\b(?:act now|you(?:'ve| have) won|winner|risk[- ]free|claim your (?:prize|reward)|wire transfer|no credit check|earn \$?\d+ (?:per|a) (?:day|week))\b`)
	billingRe       = regexp.MustCompile(`(?i)\b(?:invoice|amount due|billing (?:statement|period)|payment due|minimum due|bill (?:is )?(?:ready|generated))\b`)
	emojiRe         = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`)
)

type keywordMatcher struct {
	category model.Category
	re       *regexp.Regexp
}

// keywordMatchers 在 init 时按分类顺序编译，保证打分顺序稳定
var keywordMatchers = compileKeywords()

func compileKeywords() []keywordMatcher {
	var out []keywordMatcher
	for _, cat := range model.Categories {
		for _, kw := range keywordRules[cat] {
			out = append(out, keywordMatcher{
				category: cat,
				re:       regexp.MustCompile(`(?:^|[^a-z0-9])` + regexp.QuoteMeta(strings.ToLower(kw)) + `(?:$|[^a-z0-9])`),
			})
		}
	}
	return out
}
