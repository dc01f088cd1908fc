package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/config"
	"sigmamail/pkg/circuitbreaker"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/metrics"
)

const (
	collaboratorName = "embedding"
	maxInputRunes    = 8000
)

// Client 调用内部 embedding 服务，任何失败都返回 nil，由分类引擎把语义层当作 0 分
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg config.EmbeddingConfig, breaker *circuitbreaker.CircuitBreaker, log *zap.Logger) *Client {
	log = logger.OrNop(log)
	if breaker == nil {
		breaker = circuitbreaker.New(collaboratorName, circuitbreaker.DefaultConfig(), log)
	}
	return &Client{
		url:        strings.TrimSpace(cfg.URL),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		breaker:    breaker,
		logger:     log,
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *Client) Embed(ctx context.Context, text string) []float64 {
	text = strings.TrimSpace(text)
	if c == nil || c.url == "" || text == "" {
		return nil
	}
	if r := []rune(text); len(r) > maxInputRunes {
		text = string(r[:maxInputRunes])
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var vec []float64
	start := time.Now()
	err := c.breaker.Execute(func() error {
		var callErr error
		vec, callErr = c.call(ctx, text)
		return callErr
	})
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordCollaboratorLatency(collaboratorName, status, time.Since(start))

	if err != nil {
		c.logger.Warn("embedding generation failed", zap.Error(err))
		return nil
	}
	return vec
}

func (c *Client) call(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return out.Embedding, nil
}
