package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sigmamail/internal/config"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type recorded struct {
	mu    sync.Mutex
	paths []string
	body  string
}

func (r *recorded) add(path, body string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	r.body = body
	return len(r.paths)
}

func (r *recorded) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func candidateBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
		}},
	})
	return string(b)
}

func newTestClient(t *testing.T, url string, models ...string) *Client {
	t.Helper()
	cfg := config.LLMConfig{
		APIKey:     "test-key",
		BaseURL:    url,
		Model:      "gemini-a",
		MaxRetries: 1,
		Timeout:    2 * time.Second,
	}
	cfg.FallbackModels = models
	c := NewClient(cfg, nil, zaptest.NewLogger(t))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func intentRequest() Request {
	return Request{SystemPrompt: "classify intent", Payload: map[string]string{"subject": "hi"}}
}

// ---------------------------------------------------------------------------
// Call
// ---------------------------------------------------------------------------

func TestCallSuccessWithFencedJSON(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.add(r.URL.Path, string(body))
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, candidateBody("```json\n{\"needsReply\": true}\n```"))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Call(context.Background(), intentRequest())
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Data) != `{"needsReply": true}` || resp.Model != "gemini-a" {
		t.Fatalf("unexpected response: %s / %s", resp.Data, resp.Model)
	}
	if rec.paths[0] != "/models/gemini-a:generateContent" {
		t.Errorf("path = %s", rec.paths[0])
	}
	for _, want := range []string{"USER_INPUT_JSON", "VALID JSON ONLY", `"responseMimeType":"application/json"`} {
		if !strings.Contains(rec.body, want) {
			t.Errorf("request body missing %q", want)
		}
	}
}

func TestCallRetriesUnavailable(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec.add(r.URL.Path, "") == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"status":"UNAVAILABLE","message":"overloaded"}}`)
			return
		}
		fmt.Fprint(w, candidateBody(`{"ok":1}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Call(context.Background(), intentRequest())
	if err != nil {
		t.Fatal(err)
	}
	if rec.count() != 2 || string(resp.Data) != `{"ok":1}` {
		t.Fatalf("calls=%d data=%s", rec.count(), resp.Data)
	}
}

func TestCallStopsOnInvalidKey(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.Path, "")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"status":"INVALID_ARGUMENT","message":"API key not valid. API_KEY_INVALID"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "gemini-b").Call(context.Background(), intentRequest())
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("fatal errors must not retry, got %d calls", rec.count())
	}
}

func TestCallFallsBackToNextModel(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.Path, "")
		if strings.Contains(r.URL.Path, "gemini-a") {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"status":"NOT_FOUND","message":"no such model"}}`)
			return
		}
		fmt.Fprint(w, candidateBody(`{"summary":"ok"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL, "models/gemini-b", "gemini-a").Call(context.Background(), intentRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "gemini-b" {
		t.Fatalf("model = %s", resp.Model)
	}
	want := []string{"/models/gemini-a:generateContent", "/models/gemini-b:generateContent"}
	if strings.Join(rec.paths, ",") != strings.Join(want, ",") {
		t.Fatalf("paths = %v", rec.paths)
	}
}

func TestCallBlockedAndNonJSON(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"blocked", `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`, ErrBlocked},
		{"empty", `{"candidates":[]}`, ErrEmptyResponse},
		{"prose", candidateBody("Sure! Here is what I think."), ErrNonJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Call(context.Background(), intentRequest())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCallValidatesInput(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	if _, err := c.Call(context.Background(), Request{Payload: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	c.cfg.APIKey = " "
	if _, err := c.Call(context.Background(), intentRequest()); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing key, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.cfg.MaxRetries = 0
	req := intentRequest()
	req.Timeout = 50 * time.Millisecond
	_, err := c.Call(context.Background(), req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// ExtractJSON / errors
// ---------------------------------------------------------------------------

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{`{"a":1}`, `{"a":1}`, nil},
		{"```json\n[1,2]\n```", `[1,2]`, nil},
		{`Here you go: {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`, nil},
		{"   ", "", ErrEmptyResponse},
		{"no json at all", "", ErrNonJSON},
		{`{"a": 1`, "", ErrNonJSON},
	}
	for _, tc := range cases {
		got, err := ExtractJSON(tc.in)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("ExtractJSON(%q) err = %v, want %v", tc.in, err, tc.err)
			}
			continue
		}
		if err != nil || string(got) != tc.want {
			t.Errorf("ExtractJSON(%q) = %s, %v", tc.in, got, err)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   error
	}{
		{400, "API_KEY_INVALID", ErrInvalidAPIKey},
		{403, "", ErrAccessDenied},
		{429, "", ErrQuotaExceeded},
		{404, "", ErrModelNotFound},
		{502, "", ErrUnavailable},
		{400, "bad field", ErrAPI},
	}
	for _, tc := range cases {
		if err := classifyStatus(tc.status, tc.msg); !errors.Is(err, tc.want) {
			t.Errorf("classifyStatus(%d, %q) = %v", tc.status, tc.msg, err)
		}
	}
	if !IsRetryable(classifyTransport(context.DeadlineExceeded)) {
		t.Error("timeouts should be retryable")
	}
	if IsRetryable(ErrNonJSON) || !IsFatal(ErrInvalidAPIKey) {
		t.Error("unexpected classification")
	}
}
