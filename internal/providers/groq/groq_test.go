package groq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"llmrelay/config"
	"llmrelay/internal/core"
	"llmrelay/internal/providers"
	"llmrelay/internal/ratelimit"
)

func newTestProvider(t *testing.T, serverURL string, models ...string) (*Provider, *ratelimit.Tracker) {
	t.Helper()
	tracker := ratelimit.New(ratelimit.DefaultConfig())
	cfg := providers.ProviderConfig{
		Name:    "groq",
		Type:    "groq",
		APIKey:  "gsk-test",
		BaseURL: serverURL,
		Models:  models,
		Resilience: config.ResilienceConfig{
			Retry: config.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
		},
	}
	return newProvider(cfg, providers.ProviderOptions{Tracker: tracker}), tracker
}

func userRequest(text string) *core.CompletionRequest {
	return &core.CompletionRequest{Messages: []core.Message{
		core.NewSystemMessage("be brief"),
		core.NewUserMessage(text),
	}}
}

func TestNew_Defaults(t *testing.T) {
	p, _ := newTestProvider(t, "")
	if p.Name() != "groq" {
		t.Errorf("Name() = %q, want groq", p.Name())
	}
	if got := p.Models(); len(got) != len(DefaultModels) || got[0] != DefaultModels[0] {
		t.Errorf("Models() = %v, want defaults", got)
	}
	if !p.IsAvailable() {
		t.Error("provider with API key should be available")
	}
	if p.exchange.Client.BaseURL() != defaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", p.exchange.Client.BaseURL(), defaultBaseURL)
	}
}

func TestIsAvailable_NoAPIKey(t *testing.T) {
	p := newProvider(providers.ProviderConfig{Name: "groq"}, providers.ProviderOptions{Tracker: ratelimit.New(ratelimit.DefaultConfig())})
	if p.IsAvailable() {
		t.Error("provider without API key must not be available")
	}
}

func TestComplete_Success(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gsk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Request-ID"); got != "req-42" {
			t.Errorf("X-Request-ID = %q, want req-42", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		w.Header().Set("x-ratelimit-remaining-requests", "14399")
		w.Header().Set("x-ratelimit-remaining-tokens", "5800")
		w.Header().Set("x-ratelimit-reset-requests", "6s")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "llama-3.3-70b-versatile",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p, tracker := newTestProvider(t, server.URL, "llama-3.3-70b-versatile")
	ctx := core.WithRequestID(context.Background(), "req-42")

	resp, err := p.Complete(ctx, userRequest("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi there" || resp.Provider != "groq" || resp.Model != "llama-3.3-70b-versatile" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", resp.Usage)
	}

	if body["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", body["temperature"])
	}
	if body["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v, want %d", body["max_tokens"], defaultMaxTokens)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want 2 in order", body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}

	info := p.RateLimitInfo()
	if info.RemainingRequests == nil || *info.RemainingRequests != 14399 {
		t.Errorf("RemainingRequests = %v, want 14399", info.RemainingRequests)
	}
	if info.RemainingTokens == nil || *info.RemainingTokens != 5800 {
		t.Errorf("RemainingTokens = %v, want 5800", info.RemainingTokens)
	}
	if info.ResetSeconds == nil {
		t.Error("ResetSeconds should be set from x-ratelimit-reset-requests")
	}
	st, ok := tracker.Get("groq", "llama-3.3-70b-versatile")
	if !ok || st.RemainingRequests == nil || *st.RemainingRequests != 14399 {
		t.Errorf("tracker state = %+v, %v", st, ok)
	}
}

func TestComplete_CallerParameters(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	p, _ := newTestProvider(t, server.URL)
	temp := 0.0
	maxTokens := 128
	req := userRequest("hi")
	req.Temperature = &temp
	req.MaxTokens = &maxTokens

	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["temperature"] != 0.0 {
		t.Errorf("temperature = %v, want explicit 0", body["temperature"])
	}
	if body["max_tokens"] != 128.0 {
		t.Errorf("max_tokens = %v, want 128", body["max_tokens"])
	}
	if body["model"] != DefaultModels[0] {
		t.Errorf("model = %v, want first default", body["model"])
	}
}

func TestComplete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "7")
		w.Header().Set("x-ratelimit-remaining-requests", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached for model","type":"tokens"}}`))
	}))
	defer server.Close()

	p, tracker := newTestProvider(t, server.URL, "m1", "m2")

	_, err := p.Complete(context.Background(), userRequest("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !core.IsRateLimited(err) {
		t.Errorf("expected rate-limited error, got %v", err)
	}
	if p.IsAvailable() {
		t.Error("provider should be unavailable after a 429")
	}
	if !p.RateLimitInfo().IsLimited {
		t.Error("RateLimitInfo().IsLimited should be set")
	}
	if !tracker.IsLimited("groq", "m1") {
		t.Error("zero remaining requests should limit the model key")
	}

	p.ResetRotation()
	if !p.IsAvailable() {
		t.Error("ResetRotation should clear the limited flag")
	}
}

func TestComplete_RateLimitWording(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit exceeded, try later"}}`))
	}))
	defer server.Close()

	p, _ := newTestProvider(t, server.URL)
	_, err := p.Complete(context.Background(), userRequest("hi"))
	if !core.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error from wording, got %v", err)
	}
	if p.IsAvailable() {
		t.Error("rate-limit wording should mark the provider limited")
	}
}

func TestComplete_ServerErrorKeepsAvailability(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"internal failure"}}`))
	}))
	defer server.Close()

	p, _ := newTestProvider(t, server.URL, "m1")
	_, err := p.Complete(context.Background(), userRequest("hi"))

	var e *core.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *core.Error, got %T", err)
	}
	if e.Kind != core.KindBackendHTTP || e.StatusCode != 500 || e.Model != "m1" {
		t.Errorf("error = %+v", e)
	}
	if !p.IsAvailable() {
		t.Error("a 500 must not set the limited flag")
	}
}

func TestComplete_EmptyContentIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	p, _ := newTestProvider(t, server.URL)
	resp, err := p.Complete(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" || resp.Usage != nil {
		t.Errorf("response = %+v, want empty content and nil usage", resp)
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	}))
	defer server.Close()

	p, _ := newTestProvider(t, server.URL)
	_, err := p.Complete(context.Background(), userRequest("hi"))

	var e *core.Error
	if !errors.As(err, &e) || e.Kind != core.KindMalformedResponse {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestComplete_CancelledContextRecordsNothing(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p, tracker := newTestProvider(t, server.URL, "m1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Complete(ctx, userRequest("hi"))
	if !core.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !p.IsAvailable() {
		t.Error("cancellation must not mark the provider limited")
	}
	if len(tracker.States()) != 0 {
		t.Errorf("tracker should be untouched, got %v", tracker.States())
	}
}
