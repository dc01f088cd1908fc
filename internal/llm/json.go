package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceOpenRe  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceCloseRe = regexp.MustCompile("\\s*```$")
)

// ExtractJSON 容忍 markdown 代码块和前后的说明文字
func ExtractJSON(raw string) (json.RawMessage, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	text = strings.TrimSpace(fenceCloseRe.ReplaceAllString(fenceOpenRe.ReplaceAllString(text, ""), ""))
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}

	start := strings.IndexAny(text, "{[")
	end := max(strings.LastIndex(text, "}"), strings.LastIndex(text, "]"))
	if start >= 0 && end > start {
		slice := text[start : end+1]
		if json.Valid([]byte(slice)) {
			return json.RawMessage(slice), nil
		}
	}
	return nil, ErrNonJSON
}
