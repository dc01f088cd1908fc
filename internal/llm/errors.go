package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidRequest = errors.New("llm call requires system prompt and payload")
	ErrMissingAPIKey  = errors.New("gemini api key missing")
	ErrTimeout        = errors.New("gemini request timed out")
	ErrInvalidAPIKey  = errors.New("gemini api key is invalid")
	ErrAccessDenied   = errors.New("gemini access denied for this model")
	ErrQuotaExceeded  = errors.New("gemini quota exceeded")
	ErrModelNotFound  = errors.New("gemini model not found")
	ErrUnavailable    = errors.New("gemini service unavailable")
	ErrNetwork        = errors.New("gemini network request failed")
	ErrAPI            = errors.New("gemini api error")
	ErrEmptyResponse  = errors.New("empty gemini response")
	ErrBlocked        = errors.New("gemini blocked response")
	ErrNonJSON        = errors.New("gemini returned non-json output")
)

// classifyStatus 把非 2xx 响应映射成哨兵错误，保留 API 返回的消息
func classifyStatus(status int, apiMessage string) error {
	msg := strings.ToLower(apiMessage)
	var kind error
	switch {
	case strings.Contains(msg, "api_key_invalid") || strings.Contains(msg, "api key not valid"):
		kind = ErrInvalidAPIKey
	case strings.Contains(msg, "permission_denied") || status == http.StatusForbidden:
		kind = ErrAccessDenied
	case status == http.StatusTooManyRequests || strings.Contains(msg, "quota exceeded") || strings.Contains(msg, "rate limit"):
		kind = ErrQuotaExceeded
	case status == http.StatusNotFound || strings.Contains(msg, "not_found"):
		kind = ErrModelNotFound
	case status >= 500:
		kind = ErrUnavailable
	default:
		kind = ErrAPI
	}
	if apiMessage == "" {
		return fmt.Errorf("%w (status %d)", kind, status)
	}
	return fmt.Errorf("%w: %s", kind, apiMessage)
}

// classifyTransport 处理 client.Do 的错误
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// IsFatal 换模型也无法恢复的错误
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrMissingAPIKey)
}

// IsRetryable 同一模型可以重试的错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrQuotaExceeded)
}
