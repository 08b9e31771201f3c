package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("LLMRELAY_CONFIG", path)
	return path
}

func TestLoad_DefaultPort(t *testing.T) {
	clearEnv(t, "PORT", "LLMRELAY_CONFIG")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Logging.Format)
}

func TestLoad_PortFromEnv(t *testing.T) {
	clearEnv(t, "LLMRELAY_CONFIG")
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	t.Run("UseDefaultValue", func(t *testing.T) {
		clearEnv(t, "PORT", "TEST_PORT_DEFAULTS", "TEST_KEY_DEFAULTS")
		writeConfig(t, `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
providers:
  groq:
    type: groq
    api_key: "${TEST_KEY_DEFAULTS:-default-key}"
    models: [llama-3.3-70b-versatile, llama-3.1-8b-instant]
`)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "9999", cfg.Server.Port)

		groq := cfg.Providers["groq"]
		assert.Equal(t, "default-key", groq.APIKey)
		assert.Equal(t, []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"}, groq.Models)
	})

	t.Run("OverrideDefaultValue", func(t *testing.T) {
		clearEnv(t, "PORT")
		t.Setenv("TEST_PORT_DEFAULTS", "1111")
		t.Setenv("TEST_KEY_DEFAULTS", "real-key")
		writeConfig(t, `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
providers:
  groq:
    type: groq
    api_key: "${TEST_KEY_DEFAULTS:-default-key}"
`)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "1111", cfg.Server.Port)
		assert.Equal(t, "real-key", cfg.Providers["groq"].APIKey)
	})
}

func TestLoad_YAMLSections(t *testing.T) {
	clearEnv(t, "PORT", "FAILOVER_PRIORITY", "FAILOVER_REQUALIFY", "RATELIMIT_HIGH_TRAFFIC_MS", "RATELIMIT_COOLDOWN_MS")
	writeConfig(t, `
failover:
  priority: [openrouter, groq]
  requalify: probe
rate_limit:
  high_traffic_threshold_ms: 2000
  cooldown_ms: 5000
  store:
    type: local
    path: /tmp/llmrelay-state.json
resilience:
  retry:
    max_retries: 4
    initial_backoff: 250ms
  circuit_breaker:
    enabled: false
providers:
  openrouter:
    type: openrouter
    api_key: sk-or-test
    resilience:
      retry:
        max_retries: 0
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"openrouter", "groq"}, cfg.Failover.Priority)
	assert.Equal(t, RequalifyProbe, cfg.Failover.Requalify)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.HighTrafficThreshold())
	assert.Equal(t, 5*time.Second, cfg.RateLimit.Cooldown())
	assert.Equal(t, "local", cfg.RateLimit.Store.Type)
	assert.Equal(t, 4, cfg.Resilience.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Resilience.Retry.InitialBackoff)
	assert.Equal(t, 8*time.Second, cfg.Resilience.Retry.MaxBackoff, "unset fields keep defaults")
	assert.False(t, cfg.Resilience.CircuitBreaker.Enabled)

	or := cfg.Providers["openrouter"]
	require.NotNil(t, or.Resilience)
	require.NotNil(t, or.Resilience.Retry)
	require.NotNil(t, or.Resilience.Retry.MaxRetries)
	assert.Equal(t, 0, *or.Resilience.Retry.MaxRetries)
	assert.NotContains(t, or.String(), "sk-or-test")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("LLMRELAY_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	writeConfig(t, "server: [unterminated")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t, "LLMRELAY_CONFIG", "PORT", "GROQ_API_KEY")
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile(".env", []byte("PORT=7070\nGROQ_API_KEY=gsk-from-dotenv\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "gsk-from-dotenv", os.Getenv("GROQ_API_KEY"))
}

func TestLoad_EnvOverridesDotEnv(t *testing.T) {
	clearEnv(t, "LLMRELAY_CONFIG")
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile(".env", []byte("PORT=7070\n"), 0o644))
	t.Setenv("PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad requalify policy", func(c *Config) { c.Failover.Requalify = "sometimes" }},
		{"negative cooldown", func(c *Config) { c.RateLimit.CooldownMs = -1 }},
		{"redis store without url", func(c *Config) { c.RateLimit.Store.Type = "redis" }},
		{"unknown store", func(c *Config) { c.RateLimit.Store.Type = "etcd" }},
		{"negative retries", func(c *Config) { c.Resilience.Retry.MaxRetries = -1 }},
	}

	require.NoError(t, buildDefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateBodySizeLimit(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectError bool
	}{
		{"empty string is valid", "", false},
		{"plain number", "1048576", false},
		{"kilobytes lowercase", "100k", false},
		{"kilobytes with B suffix", "100KB", false},
		{"megabytes uppercase", "10M", false},
		{"megabytes with B suffix", "10MB", false},
		{"whitespace trimmed", "  10M  ", false},
		{"minimum valid (1KB)", "1K", false},
		{"maximum valid (100MB)", "100M", false},
		{"invalid format with letters", "abc", true},
		{"invalid unit", "10X", true},
		{"negative number", "-10M", true},
		{"decimal number", "10.5M", true},
		{"empty unit with B", "10B", true},
		{"below minimum (100 bytes)", "100", true},
		{"above maximum (200MB)", "200M", true},
		{"above maximum (1GB)", "1G", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBodySizeLimit(tt.input)
			if tt.expectError {
				assert.Error(t, err, "input %q", tt.input)
			} else {
				assert.NoError(t, err, "input %q", tt.input)
			}
		})
	}
}
