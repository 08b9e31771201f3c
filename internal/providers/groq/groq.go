// Package groq provides the Groq adapter (OpenAI-compatible, non-streaming).
package groq

import (
	"context"
	"net/http"

	"llmrelay/internal/core"
	"llmrelay/internal/llmclient"
	"llmrelay/internal/providers"
	"llmrelay/internal/ratelimit"
)

// Registration provides factory registration for the Groq provider.
var Registration = providers.Registration{
	Type: "groq",
	New:  New,
}

const (
	defaultBaseURL     = "https://api.groq.com/openai/v1"
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

// DefaultModels is used when no model list is configured.
var DefaultModels = []string{
	"llama-3.3-70b-versatile",
	"llama-3.1-8b-instant",
	"gemma2-9b-it",
}

// Provider implements core.Provider for Groq.
type Provider struct {
	*providers.Rotation
	name     string
	apiKey   string
	exchange *providers.Exchange
}

// New creates a Groq provider from resolved configuration.
func New(cfg providers.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	return newProvider(cfg, opts), nil
}

func newProvider(cfg providers.ProviderConfig, opts providers.ProviderOptions) *Provider {
	name := cfg.Name
	if name == "" {
		name = "groq"
	}
	p := &Provider{
		Rotation: providers.NewRotation(cfg.ModelsOr(DefaultModels)),
		name:     name,
		apiKey:   cfg.APIKey,
	}
	clientCfg := cfg.ClientConfig(defaultBaseURL)
	clientCfg.ProviderName = name

	var client *llmclient.Client
	if opts.HTTPClient != nil {
		client = llmclient.NewWithHTTPClient(opts.HTTPClient, clientCfg, p.setHeaders)
	} else {
		client = llmclient.New(clientCfg, p.setHeaders)
	}
	p.exchange = &providers.Exchange{
		Name:     name,
		Rotation: p.Rotation,
		Tracker:  opts.Tracker,
		Headers:  ratelimit.GroqHeaders,
		Logger:   opts.Logger,
		Client:   client,
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// IsAvailable is false without an API key or while the limited flag is set.
func (p *Provider) IsAvailable() bool {
	return p.apiKey != "" && !p.Limited()
}

// setHeaders sets the required headers for Groq API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	// Forward request ID if present in context
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

// Complete sends one chat completion against the current model.
func (p *Provider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	return p.CompleteModel(ctx, p.CurrentModel(), req)
}

// CompleteModel sends one chat completion against model.
// max_tokens is always sent; Groq rejects some models without it.
func (p *Provider) CompleteModel(ctx context.Context, model string, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	payload := providers.NewChatPayload(model, req, req.TemperatureOr(defaultTemperature), &maxTokens)
	return p.exchange.PostChat(ctx, payload)
}
