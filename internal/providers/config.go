package providers

import (
	"os"
	"strings"

	"llmrelay/config"
	"llmrelay/internal/llmclient"
)

// ProviderConfig holds the fully resolved provider configuration after merging
// global defaults with per-provider overrides.
type ProviderConfig struct {
	Name       string
	Type       string
	APIKey     string
	BaseURL    string
	Models     []string
	Resilience config.ResilienceConfig
}

// ClientConfig converts the resolved settings into an llmclient configuration.
func (c ProviderConfig) ClientConfig(defaultBaseURL string) llmclient.Config {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	r := c.Resilience.Retry
	return llmclient.Config{
		ProviderName: c.Name,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Retry: llmclient.RetryConfig{
			MaxRetries:     r.MaxRetries,
			InitialBackoff: r.InitialBackoff,
			MaxBackoff:     r.MaxBackoff,
			BackoffFactor:  r.BackoffFactor,
		},
		CircuitBreaker: c.BreakerConfig(),
	}
}

// BreakerConfig returns nil when circuit breaking is disabled.
func (c ProviderConfig) BreakerConfig() *llmclient.CircuitBreakerConfig {
	cb := c.Resilience.CircuitBreaker
	if !cb.Enabled {
		return nil
	}
	return &llmclient.CircuitBreakerConfig{
		FailureThreshold: cb.FailureThreshold,
		Timeout:          cb.Timeout,
		MaxRequests:      cb.MaxRequests,
	}
}

// ModelsOr returns the configured models, or defaults when none were given.
func (c ProviderConfig) ModelsOr(defaults []string) []string {
	if len(c.Models) > 0 {
		return c.Models
	}
	return defaults
}

// knownProviderEnvs maps the compiled-in providers to their environment variables.
var knownProviderEnvs = []struct {
	name       string
	apiKeyEnv  string
	baseURLEnv string
	modelsEnv  string
}{
	{"groq", "GROQ_API_KEY", "GROQ_BASE_URL", "GROQ_MODELS"},
	{"gemini", "GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODELS"},
	{"openrouter", "OPENROUTER_API_KEY", "OPENROUTER_BASE_URL", "OPENROUTER_MODELS"},
}

// ResolveProviders applies env var overrides to the raw YAML provider map, filters
// out entries without credentials, and merges each entry with the global
// ResilienceConfig.
func ResolveProviders(raw map[string]config.RawProviderConfig, global config.ResilienceConfig) map[string]ProviderConfig {
	merged := applyProviderEnvVars(raw)
	filtered := filterEmptyProviders(merged)
	return buildProviderConfigs(filtered, global)
}

// applyProviderEnvVars overlays well-known provider env vars onto the raw YAML map.
// Env var values always win over YAML values for the same provider name.
func applyProviderEnvVars(raw map[string]config.RawProviderConfig) map[string]config.RawProviderConfig {
	result := make(map[string]config.RawProviderConfig, len(raw))
	for k, v := range raw {
		if v.Type == "" {
			v.Type = k
		}
		result[k] = v
	}

	for _, kp := range knownProviderEnvs {
		apiKey := os.Getenv(kp.apiKeyEnv)
		baseURL := os.Getenv(kp.baseURLEnv)
		models := config.SplitList(os.Getenv(kp.modelsEnv))

		if apiKey == "" && baseURL == "" && len(models) == 0 {
			continue
		}

		existing, exists := result[kp.name]
		if !exists {
			existing = config.RawProviderConfig{Type: kp.name}
		}
		if apiKey != "" {
			existing.APIKey = apiKey
		}
		if baseURL != "" {
			existing.BaseURL = baseURL
		}
		if len(models) > 0 {
			existing.Models = models
		}
		result[kp.name] = existing
	}

	return result
}

// filterEmptyProviders removes providers without usable credentials, including
// keys still holding an unexpanded ${VAR} placeholder.
func filterEmptyProviders(raw map[string]config.RawProviderConfig) map[string]config.RawProviderConfig {
	result := make(map[string]config.RawProviderConfig, len(raw))
	for name, p := range raw {
		if p.APIKey != "" && !strings.Contains(p.APIKey, "${") {
			result[name] = p
		}
	}
	return result
}

func buildProviderConfigs(raw map[string]config.RawProviderConfig, global config.ResilienceConfig) map[string]ProviderConfig {
	result := make(map[string]ProviderConfig, len(raw))
	for name, r := range raw {
		result[name] = buildProviderConfig(name, r, global)
	}
	return result
}

// buildProviderConfig merges a single RawProviderConfig with the global ResilienceConfig.
// Non-nil fields in the raw config override the global defaults.
func buildProviderConfig(name string, raw config.RawProviderConfig, global config.ResilienceConfig) ProviderConfig {
	resolved := ProviderConfig{
		Name:       name,
		Type:       raw.Type,
		APIKey:     raw.APIKey,
		BaseURL:    raw.BaseURL,
		Models:     raw.Models,
		Resilience: global,
	}

	if raw.Resilience == nil || raw.Resilience.Retry == nil {
		return resolved
	}

	r := raw.Resilience.Retry
	if r.MaxRetries != nil {
		resolved.Resilience.Retry.MaxRetries = *r.MaxRetries
	}
	if r.InitialBackoff != nil {
		resolved.Resilience.Retry.InitialBackoff = *r.InitialBackoff
	}
	if r.MaxBackoff != nil {
		resolved.Resilience.Retry.MaxBackoff = *r.MaxBackoff
	}
	if r.BackoffFactor != nil {
		resolved.Resilience.Retry.BackoffFactor = *r.BackoffFactor
	}

	return resolved
}
