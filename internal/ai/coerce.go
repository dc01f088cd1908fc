package ai

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strings"
)

var errNotObject = errors.New("model output is not a json object")

var htmlTagRe = regexp.MustCompile(`<[^>]*>?`)

// decodeObject 是严格解析这一步；字段级的默认值在各任务的 coerce 中处理
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.Join(errNotObject, err)
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

func toBool(v any, fallback bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return fallback
}

// toConfidence 只接受数字，夹到 [0,1]
func toConfidence(v any, fallback float64) float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) {
		return fallback
	}
	return math.Max(0, math.Min(1, f))
}

func toText(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// toList 字段不是数组时 ok=false；数组中无法解码成 T 的元素被丢弃
func toList[T any](v any, limit int) ([]T, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var t T
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, true
}

func stripHTML(s string) string {
	return htmlTagRe.ReplaceAllString(s, " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
