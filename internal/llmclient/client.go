// Package llmclient provides the base HTTP client for provider adapters with:
// - JSON request marshaling and raw response capture (status, headers, body)
// - Bounded retries with exponential backoff for transport errors and 502/503/504
// - Error classification into core error kinds (429 is never retried here)
// - Circuit breaking per backend
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/httpclient"
)

// RetryConfig controls in-adapter retries of transient failures.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts (default: 2)
	InitialBackoff time.Duration // Initial backoff duration (default: 500ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 8s)
	BackoffFactor  float64       // Backoff multiplier (default: 2.0)
}

// Config holds configuration for the LLM client
type Config struct {
	// ProviderName identifies the provider for error messages
	ProviderName string

	// BaseURL is the API base URL
	BaseURL string

	Retry RetryConfig

	// CircuitBreaker is optional; nil disables circuit breaking
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		BackoffFactor:  2.0,
	}
}

// DefaultConfig returns default client configuration
func DefaultConfig(providerName, baseURL string) Config {
	cb := DefaultCircuitBreakerConfig()
	return Config{
		ProviderName:   providerName,
		BaseURL:        baseURL,
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: &cb,
	}
}

// HeaderSetter is a function that sets headers on an HTTP request
type HeaderSetter func(req *http.Request)

// Client is a base HTTP client for LLM providers
type Client struct {
	httpClient   *http.Client
	config       Config
	headerSetter HeaderSetter
	breaker      *Breaker
}

// New creates a new LLM client with the given configuration
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), config, headerSetter)
}

// NewWithHTTPClient creates a new LLM client with a custom HTTP client.
// If httpClient is nil, http.DefaultClient is used.
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}
	if config.CircuitBreaker != nil {
		c.breaker = NewBreaker(config.ProviderName, *config.CircuitBreaker)
	}
	return c
}

// SetBaseURL updates the base URL
func (c *Client) SetBaseURL(url string) {
	c.config.BaseURL = url
}

// BaseURL returns the current base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	Body     interface{} // Will be JSON marshaled if not nil
	Headers  map[string]string
}

// Response represents a completed HTTP exchange
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do executes a request with retries and circuit breaking.
//
// On a non-2xx status both the response and a *core.Error are returned, so
// callers can still read quota headers from a 429.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	maxAttempts := c.config.Retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		lastResp *Response
		lastErr  error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			slog.Debug("retrying backend request",
				"provider", c.config.ProviderName,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, core.NewNetworkError(c.config.ProviderName, "request cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		resp, err := c.execute(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastResp, lastErr = resp, err

		if !c.isRetryable(err) {
			break
		}
	}
	return lastResp, lastErr
}

// execute runs one attempt through the circuit breaker.
func (c *Client) execute(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	run := func() error {
		var err error
		resp, err = c.doRequest(ctx, req)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return core.ParseBackendError(c.config.ProviderName, resp.StatusCode, resp.Body)
		}
		return nil
	}

	if c.breaker == nil {
		err := run()
		return resp, err
	}
	err := c.breaker.Execute(run)
	return resp, err
}

// doRequest executes a single HTTP request without retries
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewNetworkError(c.config.ProviderName, "failed to send request: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewNetworkError(c.config.ProviderName, "failed to read response: "+err.Error(), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := c.config.BaseURL + req.Endpoint

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Apply provider-specific headers
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}

	// Apply request-specific headers
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// calculateBackoff calculates the backoff duration for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	r := c.config.Retry
	backoff := float64(r.InitialBackoff) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxBackoff > 0 && backoff > float64(r.MaxBackoff) {
		backoff = float64(r.MaxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryable reports whether an attempt error is transient.
// Rate limits are not retried: they are the orchestrator's signal to rotate.
func (c *Client) isRetryable(err error) bool {
	if core.IsCancellation(err) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var e *core.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case core.KindNetwork:
		return true
	case core.KindBackendHTTP:
		if e.RateLimited {
			return false
		}
		return e.StatusCode == http.StatusServiceUnavailable ||
			e.StatusCode == http.StatusBadGateway ||
			e.StatusCode == http.StatusGatewayTimeout
	}
	return false
}
