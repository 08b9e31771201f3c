package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/config"
	"llmrelay/internal/core"
	"llmrelay/internal/providers"
	"llmrelay/internal/providers/gemini"
	"llmrelay/internal/providers/groq"
	"llmrelay/internal/server"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"GROQ", "GEMINI", "OPENROUTER"} {
		for _, suffix := range []string{"_API_KEY", "_BASE_URL", "_MODELS"} {
			t.Setenv(name+suffix, "")
		}
	}
}

func newFactory() *providers.ProviderFactory {
	f := providers.NewProviderFactory()
	f.Add(groq.Registration)
	f.Add(gemini.Registration)
	return f
}

// rateLimitedBackend answers every request with 429.
func rateLimitedBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit reached"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okBackend(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + content + `"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(statePath string, groqURL, geminiURL string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{BodySizeLimit: "1M"},
		Metrics: config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		RateLimit: config.RateLimitConfig{
			HighTrafficThresholdMs: 120000,
			CooldownMs:             300000,
			Store:                  config.StateStoreConfig{Type: "local", Path: statePath, SaveInterval: 60},
		},
		Failover: config.FailoverConfig{
			Priority:  []string{"groq", "gemini"},
			Requalify: config.RequalifyFull,
		},
		Providers: map[string]config.RawProviderConfig{
			"groq":   {Type: "groq", APIKey: "gsk-test", BaseURL: groqURL, Models: []string{"g1", "g2"}},
			"gemini": {Type: "gemini", APIKey: "gm-test", BaseURL: geminiURL, Models: []string{"m1"}},
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	reg := prometheus.NewRegistry()
	a, err := New(context.Background(), Config{
		AppConfig:  cfg,
		Factory:    newFactory(),
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{Factory: newFactory()})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{AppConfig: &config.Config{}})
	assert.Error(t, err)
}

func TestNew_NoProviders(t *testing.T) {
	clearProviderEnv(t)
	_, err := New(context.Background(), Config{
		AppConfig: &config.Config{Failover: config.FailoverConfig{Requalify: config.RequalifyFull}},
		Factory:   newFactory(),
	})
	assert.ErrorIs(t, err, core.ErrNoProviders)
}

func TestApp_FailsOverAndPersistsState(t *testing.T) {
	clearProviderEnv(t)
	statePath := filepath.Join(t.TempDir(), "ratelimit.json")
	cfg := testConfig(statePath, rateLimitedBackend(t).URL, okBackend(t, "from gemini").URL)

	a := newTestApp(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp core.CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "from gemini", resp.Content)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, "m1", resp.Model)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status server.ProvidersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Providers, 2)
	assert.Equal(t, "groq", status.Providers[0].Name)
	assert.False(t, status.Providers[0].Available)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `llmrelay_failovers_total{from="groq"} 1`)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()), "shutdown is idempotent")

	_, err := os.Stat(statePath)
	require.NoError(t, err, "shutdown writes a final snapshot")

	restarted := newTestApp(t, cfg)
	defer func() { _ = restarted.Shutdown(context.Background()) }()
	tracker := restarted.Relay().Tracker()
	assert.Equal(t, 2, tracker.ErrorCount("groq", ""))
	assert.Equal(t, 1, tracker.ErrorCount("groq", "g1"))
	assert.Equal(t, 1, tracker.ErrorCount("groq", "g2"))
}

func TestNewStateStore(t *testing.T) {
	store, err := newStateStore(context.Background(), config.StateStoreConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = newStateStore(context.Background(), config.StateStoreConfig{Type: "local", Path: filepath.Join(t.TempDir(), "s.json")})
	require.NoError(t, err)
	assert.NotNil(t, store)

	_, err = newStateStore(context.Background(), config.StateStoreConfig{Type: "bogus"})
	assert.Error(t, err)
}

func TestHTTPClientConfig(t *testing.T) {
	c := httpClientConfig(config.HTTPConfig{Timeout: 30, ResponseHeaderTimeout: 10})
	assert.Equal(t, 30.0, c.Timeout.Seconds())
	assert.Equal(t, 10.0, c.ResponseHeaderTimeout.Seconds())
}
