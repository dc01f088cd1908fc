package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/config"
	"sigmamail/pkg/circuitbreaker"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
)

const (
	collaboratorName = "gemini"
	retryStep        = 200 * time.Millisecond
	maxErrorBody     = 240
)

// Request 一次 JSON-only 的模型调用
type Request struct {
	SystemPrompt string
	Payload      any
	Model        string
	// Timeout 单次 HTTP 尝试的超时，0 时使用客户端默认值
	Timeout time.Duration
}

type Response struct {
	Data  json.RawMessage
	Model string
}

// Client 调用 Gemini generateContent REST 接口，按模型列表降级并对瞬时错误重试
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.LLMConfig, breaker *circuitbreaker.CircuitBreaker, log *zap.Logger) *Client {
	log = logger.OrNop(log)
	if breaker == nil {
		breaker = circuitbreaker.New(collaboratorName, circuitbreaker.DefaultConfig(), log)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		breaker:    breaker,
		logger:     log,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call 返回模型输出中的 JSON；所有错误都已归一为本包的哨兵错误
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.SystemPrompt) == "" || req.Payload == nil {
		return nil, ErrInvalidRequest
	}
	apiKey := strings.TrimSpace(c.cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidRequest, err)
	}
	prompt := buildPrompt(req.SystemPrompt, payload)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	attempts := 1 + max(0, c.cfg.MaxRetries)

	var lastErr error
	for _, model := range c.candidateModels(req.Model) {
		for attempt := 1; attempt <= attempts; attempt++ {
			data, err := c.attempt(ctx, apiKey, model, prompt, timeout)
			if err == nil {
				return &Response{Data: data, Model: model}, nil
			}
			lastErr = err
			c.logger.Warn("gemini call failed",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if IsFatal(err) || errors.Is(err, circuitbreaker.ErrOpen) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			if attempt == attempts || !IsRetryable(err) {
				break
			}
			if err := c.sleep(ctx, time.Duration(attempt)*retryStep); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, apiKey, model, prompt string, timeout time.Duration) (json.RawMessage, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var text string
	start := time.Now()
	err := c.breaker.Execute(func() error {
		var reqErr error
		text, reqErr = c.generate(actx, apiKey, model, prompt)
		return reqErr
	})
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordCollaboratorLatency(collaboratorName, status, time.Since(start))
	if err != nil {
		return nil, err
	}
	return ExtractJSON(text)
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) generate(ctx context.Context, apiKey, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: 0, ResponseMimeType: "application/json"},
	})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(cleanModelName(model)), url.QueryEscape(apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(err)
	}
	var parsed generateResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr == nil && parsed.Error != nil {
			msg = strings.TrimSpace(parsed.Error.Status + " " + parsed.Error.Message)
		} else if len(raw) > 0 {
			msg = string(raw[:min(len(raw), maxErrorBody)])
		}
		return "", classifyStatus(resp.StatusCode, msg)
	}

	var b strings.Builder
	if decodeErr == nil && len(parsed.Candidates) > 0 {
		for _, p := range parsed.Candidates[0].Content.Parts {
			b.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		if parsed.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: %s", ErrBlocked, parsed.PromptFeedback.BlockReason)
		}
		return "", ErrEmptyResponse
	}
	return text, nil
}

// candidateModels 请求模型、默认模型、降级列表，去重保序
func (c *Client) candidateModels(requested string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range append([]string{requested, c.cfg.Model}, c.cfg.FallbackModels...) {
		m = cleanModelName(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func cleanModelName(m string) string {
	return strings.TrimPrefix(m, "models/")
}

func buildPrompt(system string, payload []byte) string {
	var b strings.Builder
	b.WriteString("SYSTEM:\n")
	b.WriteString(system)
	b.WriteString("\n\nUSER_INPUT_JSON:\n")
	b.Write(payload)
	b.WriteString("\n\nIMPORTANT:\n- Respond with VALID JSON ONLY\n- Do NOT include markdown\n- Do NOT include explanations outside JSON\n")
	return b.String()
}
