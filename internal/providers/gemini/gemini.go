// Package gemini provides the Google Gemini adapter through its
// OpenAI-compatible endpoint.
package gemini

import (
	"context"
	"net/http"

	"llmrelay/internal/core"
	"llmrelay/internal/llmclient"
	"llmrelay/internal/providers"
	"llmrelay/internal/ratelimit"
)

// Registration provides factory registration for the Gemini provider.
var Registration = providers.Registration{
	Type: "gemini",
	New:  New,
}

const (
	// Gemini provides an OpenAI-compatible endpoint
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai"
	defaultTemperature = 1.0
)

// DefaultModels is used when no model list is configured.
var DefaultModels = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-1.5-flash",
}

// Provider implements core.Provider for Google Gemini.
// Gemini sends no quota headers, so the tracker's burst heuristic is the
// only limiting signal besides 429s.
type Provider struct {
	*providers.Rotation
	name     string
	apiKey   string
	exchange *providers.Exchange
}

// New creates a Gemini provider from resolved configuration.
func New(cfg providers.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	return newProvider(cfg, opts), nil
}

func newProvider(cfg providers.ProviderConfig, opts providers.ProviderOptions) *Provider {
	name := cfg.Name
	if name == "" {
		name = "gemini"
	}
	p := &Provider{
		Rotation: providers.NewRotation(cfg.ModelsOr(DefaultModels)),
		name:     name,
		apiKey:   cfg.APIKey,
	}
	clientCfg := cfg.ClientConfig(defaultBaseURL)
	clientCfg.ProviderName = name

	httpClient := opts.HTTPClient
	var client *llmclient.Client
	if httpClient != nil {
		client = llmclient.NewWithHTTPClient(httpClient, clientCfg, p.setHeaders)
	} else {
		client = llmclient.New(clientCfg, p.setHeaders)
	}
	p.exchange = &providers.Exchange{
		Name:     name,
		Rotation: p.Rotation,
		Tracker:  opts.Tracker,
		Headers:  ratelimit.NoHeaders,
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

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

// Complete sends one chat completion against the current model.
func (p *Provider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	return p.CompleteModel(ctx, p.CurrentModel(), req)
}

// CompleteModel sends one chat completion against model.
// max_tokens is left out unless the caller asked for a positive limit.
func (p *Provider) CompleteModel(ctx context.Context, model string, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	var maxTokens *int
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		v := *req.MaxTokens
		maxTokens = &v
	}
	payload := providers.NewChatPayload(model, req, req.TemperatureOr(defaultTemperature), maxTokens)
	return p.exchange.PostChat(ctx, payload)
}
