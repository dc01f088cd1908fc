package action

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// DateSpan 是文本中识别出的一个日期片段
type DateSpan struct {
	Text            string
	Index           int
	At              time.Time
	HasExplicitHour bool
}

// DateParser 从文本中抽取日期片段，ref 作为相对日期的基准
type DateParser interface {
	Parse(text string, ref time.Time) []DateSpan
}

const (
	maxDateSpans = 24
	spanCutset   = " \t\r\n,;:!?()[]\"'"
)

// WhenParser 基于 olebedev/when 的英文规则集
type WhenParser struct {
	w *when.Parser
}

func NewWhenParser() *WhenParser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &WhenParser{w: w}
}

// Parse 反复解析剩余文本以取得全部片段。
// 裸星期名统一解析为下一个未来的同名日
func (p *WhenParser) Parse(text string, ref time.Time) []DateSpan {
	var spans []DateSpan
	offset := 0
	for offset < len(text) && len(spans) < maxDateSpans {
		r, err := p.w.Parse(text[offset:], ref)
		if err != nil || r == nil {
			break
		}
		raw := r.Text
		trimmed := strings.Trim(raw, spanCutset)
		lead := strings.Index(raw, trimmed)
		if lead < 0 {
			lead = 0
		}
		idx := offset + r.Index + lead
		next := offset + r.Index + len(raw)
		if next <= offset {
			break
		}
		offset = next
		if trimmed == "" {
			continue
		}

		span := DateSpan{
			Text:            trimmed,
			Index:           idx,
			At:              r.Time.In(ref.Location()),
			HasExplicitHour: explicitHourRe.MatchString(strings.ToLower(trimmed)),
		}
		if m := bareWeekdayRe.FindStringSubmatch(strings.ToLower(trimmed)); m != nil {
			span.At = nextWeekday(ref, weekdayNames[m[1]], span.At)
		}
		spans = append(spans, span)
	}
	return spans
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// nextWeekday 当天同名也算，时刻由调用方决定
func nextWeekday(ref time.Time, day time.Weekday, clock time.Time) time.Time {
	days := (int(day) - int(ref.Weekday()) + 7) % 7
	y, m, d := ref.AddDate(0, 0, days).Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, ref.Location())
}
