// Package config loads application configuration from an optional .env file,
// an optional YAML file and environment variables, in that order of precedence
// (later sources win).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig                 `yaml:"server"`
	Logging    LogConfig                    `yaml:"logging"`
	HTTP       HTTPConfig                   `yaml:"http"`
	Metrics    MetricsConfig                `yaml:"metrics"`
	RateLimit  RateLimitConfig              `yaml:"rate_limit"`
	Failover   FailoverConfig               `yaml:"failover"`
	Resilience ResilienceConfig             `yaml:"resilience"`
	Providers  map[string]RawProviderConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables bearer authentication on the API when set
	MasterKey string `yaml:"master_key"`
	// BodySizeLimit caps request bodies, e.g. "10M" (default "10M")
	BodySizeLimit string `yaml:"body_size_limit"`
}

// String redacts the master key.
func (s ServerConfig) String() string {
	key := ""
	if s.MasterKey != "" {
		key = "[redacted]"
	}
	return fmt.Sprintf("{Port:%s MasterKey:%s BodySizeLimit:%s}", s.Port, key, s.BodySizeLimit)
}

// LogConfig controls the process logger
type LogConfig struct {
	// Format is "auto" (pretty on a terminal, JSON otherwise), "pretty" or "json"
	Format string `yaml:"format"`
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
}

// HTTPConfig holds backend transport timeouts in seconds
type HTTPConfig struct {
	// Timeout bounds a whole backend exchange; 0 leaves it to the caller's context
	Timeout int `yaml:"timeout"`
	// ResponseHeaderTimeout bounds the wait for response headers
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RateLimitConfig holds tracker thresholds and persistence
type RateLimitConfig struct {
	HighTrafficThresholdMs int64            `yaml:"high_traffic_threshold_ms"`
	CooldownMs             int64            `yaml:"cooldown_ms"`
	Store                  StateStoreConfig `yaml:"store"`
}

// HighTrafficThreshold returns the threshold as a duration.
func (r RateLimitConfig) HighTrafficThreshold() time.Duration {
	return time.Duration(r.HighTrafficThresholdMs) * time.Millisecond
}

// Cooldown returns the cooldown as a duration.
func (r RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// StateStoreConfig selects where tracker state is persisted
type StateStoreConfig struct {
	// Type is "none", "local" or "redis"
	Type string `yaml:"type"`
	// Path is the snapshot file for the local store
	Path string `yaml:"path"`
	// SaveInterval is the periodic save interval in seconds
	SaveInterval int              `yaml:"save_interval"`
	Redis        RedisStoreConfig `yaml:"redis"`
}

// RedisStoreConfig holds Redis settings for the state store
type RedisStoreConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	// TTL in seconds
	TTL int `yaml:"ttl"`
}

// Requalification policies for providers coming out of cooldown.
const (
	RequalifyFull  = "full"
	RequalifyProbe = "probe"
)

// FailoverConfig holds orchestrator settings
type FailoverConfig struct {
	// Priority lists provider names in the order they are tried
	Priority []string `yaml:"priority"`
	// Requalify is "full" or "probe"
	Requalify string `yaml:"requalify"`
}

// ResilienceConfig holds retry and circuit breaker defaults for every provider
type ResilienceConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds in-adapter retry settings
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// CircuitBreakerConfig holds per-backend circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// RawProviderConfig is a provider entry as written in YAML or derived from env.
type RawProviderConfig struct {
	Type    string   `yaml:"type"`
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
	// Resilience overrides the global retry settings for this provider
	Resilience *RawResilienceConfig `yaml:"resilience"`
}

// String redacts the API key.
func (p RawProviderConfig) String() string {
	key := ""
	if p.APIKey != "" {
		key = "[redacted]"
	}
	return fmt.Sprintf("{Type:%s APIKey:%s BaseURL:%s Models:%v}", p.Type, key, p.BaseURL, p.Models)
}

// RawResilienceConfig holds optional per-provider overrides
type RawResilienceConfig struct {
	Retry *RawRetryConfig `yaml:"retry"`
}

// RawRetryConfig uses pointers so unset fields inherit the global value
type RawRetryConfig struct {
	MaxRetries     *int           `yaml:"max_retries"`
	InitialBackoff *time.Duration `yaml:"initial_backoff"`
	MaxBackoff     *time.Duration `yaml:"max_backoff"`
	BackoffFactor  *float64       `yaml:"backoff_factor"`
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "10M",
		},
		Logging: LogConfig{
			Format: "auto",
			Level:  "info",
		},
		HTTP: HTTPConfig{
			Timeout:               0,
			ResponseHeaderTimeout: 120,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		RateLimit: RateLimitConfig{
			HighTrafficThresholdMs: 120000,
			CooldownMs:             300000,
			Store: StateStoreConfig{
				Type:         "none",
				Path:         ".cache/ratelimit.json",
				SaveInterval: 60,
				Redis: RedisStoreConfig{
					Key: "llmrelay:ratelimit",
					TTL: 3600,
				},
			},
		},
		Failover: FailoverConfig{
			Priority:  []string{"groq", "gemini", "openrouter"},
			Requalify: RequalifyFull,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxRetries:     2,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     8 * time.Second,
				BackoffFactor:  2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				MaxRequests:      1,
			},
		},
		Providers: map[string]RawProviderConfig{},
	}
}

// configFileCandidates are tried in order when LLMRELAY_CONFIG is unset.
var configFileCandidates = []string{"config.yaml", "config/config.yaml"}

// Load reads configuration from .env, the YAML file and the environment.
func Load() (*Config, error) {
	// .env is optional; godotenv never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() (string, error) {
	if path := os.Getenv("LLMRELAY_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range configFileCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// loadYAML expands ${VAR} placeholders in the file and decodes it over cfg.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := expandString(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]RawProviderConfig{}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. Unset variables without a
// default are left as written so later validation can spot them.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return m
	})
}

// applyEnvOverrides applies well-known environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LLMRELAY_MASTER_KEY"); v != "" {
		cfg.Server.MasterKey = v
	}
	if v := os.Getenv("BODY_SIZE_LIMIT"); v != "" {
		cfg.Server.BodySizeLimit = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_ENDPOINT"); v != "" {
		cfg.Metrics.Endpoint = v
	}
	if v := os.Getenv("RATELIMIT_STORE"); v != "" {
		cfg.RateLimit.Store.Type = v
	}
	if v := os.Getenv("RATELIMIT_STORE_PATH"); v != "" {
		cfg.RateLimit.Store.Path = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RateLimit.Store.Redis.URL = v
	}
	if v := os.Getenv("FAILOVER_PRIORITY"); v != "" {
		cfg.Failover.Priority = SplitList(v)
	}
	if v := os.Getenv("FAILOVER_REQUALIFY"); v != "" {
		cfg.Failover.Requalify = strings.ToLower(v)
	}

	if err := envBool("METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}
	if err := envBool("CIRCUIT_BREAKER_ENABLED", &cfg.Resilience.CircuitBreaker.Enabled); err != nil {
		return err
	}
	if err := envInt("HTTP_TIMEOUT", &cfg.HTTP.Timeout); err != nil {
		return err
	}
	if err := envInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout); err != nil {
		return err
	}
	if err := envInt("RETRY_MAX_RETRIES", &cfg.Resilience.Retry.MaxRetries); err != nil {
		return err
	}
	if err := envInt("RATELIMIT_SAVE_INTERVAL", &cfg.RateLimit.Store.SaveInterval); err != nil {
		return err
	}
	if err := envInt64("RATELIMIT_HIGH_TRAFFIC_MS", &cfg.RateLimit.HighTrafficThresholdMs); err != nil {
		return err
	}
	return envInt64("RATELIMIT_COOLDOWN_MS", &cfg.RateLimit.CooldownMs)
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port must not be empty")
	}
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "auto", "pretty", "json":
	default:
		return fmt.Errorf("logging.format must be auto, pretty or json, got %q", c.Logging.Format)
	}
	switch c.Failover.Requalify {
	case RequalifyFull, RequalifyProbe:
	default:
		return fmt.Errorf("failover.requalify must be %q or %q, got %q", RequalifyFull, RequalifyProbe, c.Failover.Requalify)
	}
	if c.RateLimit.HighTrafficThresholdMs < 0 || c.RateLimit.CooldownMs < 0 {
		return errors.New("rate_limit thresholds must not be negative")
	}
	switch c.RateLimit.Store.Type {
	case "", "none", "local":
	case "redis":
		if c.RateLimit.Store.Redis.URL == "" {
			return errors.New("rate_limit.store.redis.url is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown rate_limit.store.type %q", c.RateLimit.Store.Type)
	}
	if c.Resilience.Retry.MaxRetries < 0 {
		return errors.New("resilience.retry.max_retries must not be negative")
	}
	return nil
}

var bodySizePattern = regexp.MustCompile(`^(\d+)([KMG]B?)?$`)

const (
	minBodySize = 1 << 10
	maxBodySize = 100 << 20
)

// ValidateBodySizeLimit checks a size such as "10M", "512K" or "1048576".
// The empty string means the default applies.
func ValidateBodySizeLimit(s string) error {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("invalid body size limit %q: expected a number with optional K, M or G suffix", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.TrimSuffix(m[2], "B") {
	case "K":
		n <<= 10
	case "M":
		n <<= 20
	case "G":
		n <<= 30
	}
	if n < minBodySize || n > maxBodySize {
		return fmt.Errorf("body size limit %q out of range (1K to 100M)", s)
	}
	return nil
}
