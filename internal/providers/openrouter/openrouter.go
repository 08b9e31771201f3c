// Package openrouter provides the OpenRouter adapter, built on go-openai.
// It is the only backend that supports incremental delivery; streamed
// fragments are aggregated before the response is returned.
package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"

	"llmrelay/internal/core"
	"llmrelay/internal/httpclient"
	"llmrelay/internal/llmclient"
	"llmrelay/internal/providers"
	"llmrelay/internal/ratelimit"
)

// Registration provides factory registration for the OpenRouter provider.
var Registration = providers.Registration{
	Type: "openrouter",
	New:  New,
}

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultTemperature = 0.7
	appTitle           = "llmrelay"
)

// DefaultModels is used when no model list is configured.
var DefaultModels = []string{
	"meta-llama/llama-3.3-70b-instruct:free",
	"mistralai/mistral-7b-instruct:free",
	"google/gemma-2-9b-it:free",
}

// Provider implements core.Provider for OpenRouter.
type Provider struct {
	*providers.Rotation
	name     string
	apiKey   string
	client   *openai.Client
	breaker  *llmclient.Breaker
	exchange *providers.Exchange
	logger   *slog.Logger
}

// New creates an OpenRouter provider from resolved configuration.
func New(cfg providers.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	return newProvider(cfg, opts), nil
}

func newProvider(cfg providers.ProviderConfig, opts providers.ProviderOptions) *Provider {
	name := cfg.Name
	if name == "" {
		name = "openrouter"
	}
	p := &Provider{
		Rotation: providers.NewRotation(cfg.ModelsOr(DefaultModels)),
		name:     name,
		apiKey:   cfg.APIKey,
		logger:   opts.Logger,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewDefaultHTTPClient()
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = &headerTransport{base: base}

	clientCfg := cfg.ClientConfig(defaultBaseURL)
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	oaCfg.BaseURL = clientCfg.BaseURL
	oaCfg.HTTPClient = &wrapped
	p.client = openai.NewClientWithConfig(oaCfg)

	if clientCfg.CircuitBreaker != nil {
		p.breaker = llmclient.NewBreaker(name, *clientCfg.CircuitBreaker)
	}
	p.exchange = &providers.Exchange{
		Name:     name,
		Rotation: p.Rotation,
		Tracker:  opts.Tracker,
		Headers:  ratelimit.OpenRouterHeaders,
		Logger:   p.logger,
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// IsAvailable is false without an API key or while the limited flag is set.
func (p *Provider) IsAvailable() bool {
	return p.apiKey != "" && !p.Limited()
}

// Complete sends one chat completion against the current model.
func (p *Provider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	return p.CompleteModel(ctx, p.CurrentModel(), req)
}

// CompleteModel sends one chat completion against model, streaming when the
// request asks for it.
func (p *Provider) CompleteModel(ctx context.Context, model string, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	oaReq := p.buildRequest(model, req)

	capture := &headerCapture{}
	ctx = context.WithValue(ctx, captureKey{}, capture)

	var (
		out *core.CompletionResponse
		err error
	)
	if req.Stream {
		out, err = p.stream(ctx, oaReq)
	} else {
		out, err = p.complete(ctx, oaReq)
	}
	p.exchange.Observe(ctx, model, capture.get(), err)
	if err != nil {
		var e *core.Error
		if errors.As(err, &e) && e.Model == "" {
			e.WithModel(model)
		}
		return nil, err
	}
	return p.exchange.Finish(ctx, model, out), nil
}

// buildRequest converts the canonical request. go-openai omits a zero
// temperature, so an explicit 0 falls back to the backend default.
func (p *Provider) buildRequest(model string, req *core.CompletionRequest) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	oaReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.TemperatureOr(defaultTemperature)),
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		oaReq.MaxTokens = *req.MaxTokens
	}
	return oaReq
}

func (p *Provider) complete(ctx context.Context, oaReq openai.ChatCompletionRequest) (*core.CompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	err := p.guard(func() error {
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, oaReq)
		return p.classify(err)
	})
	if err != nil {
		return nil, err
	}

	out := &core.CompletionResponse{}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	out.Usage = convertUsage(&resp.Usage)
	return out, nil
}

func (p *Provider) stream(ctx context.Context, oaReq openai.ChatCompletionRequest) (*core.CompletionResponse, error) {
	oaReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var s *openai.ChatCompletionStream
	err := p.guard(func() error {
		var err error
		s, err = p.client.CreateChatCompletionStream(ctx, oaReq)
		return p.classify(err)
	})
	if err != nil {
		return nil, err
	}

	res := core.CollectStream(ctx, &fragmentStream{s: s})
	switch res.Outcome {
	case core.StreamCompleted:
		return &core.CompletionResponse{Content: res.Content, Usage: res.Usage}, nil
	case core.StreamPartial:
		interrupted := core.NewStreamInterruptedError(p.name, res.Err).WithModel(oaReq.Model)
		p.logger.Warn("stream interrupted, returning partial content",
			"provider", p.name,
			"model", oaReq.Model,
			"fragments", res.Fragments,
			"request_id", core.GetRequestID(ctx),
			"error", interrupted,
		)
		return &core.CompletionResponse{
			Content:      res.Content,
			Usage:        res.Usage,
			Partial:      true,
			Interruption: interrupted,
		}, nil
	default:
		if core.IsCancellation(res.Err) {
			return nil, core.NewNetworkError(p.name, "request cancelled", res.Err)
		}
		return nil, core.NewNetworkError(p.name, "stream failed before any content: "+errString(res.Err), res.Err)
	}
}

func (p *Provider) guard(fn func() error) error {
	if p.breaker == nil {
		return fn()
	}
	return p.breaker.Execute(fn)
}

// classify maps go-openai errors onto core error kinds.
func (p *Provider) classify(err error) error {
	if err == nil {
		return nil
	}
	if core.IsCancellation(err) {
		return core.NewNetworkError(p.name, "request cancelled", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.HTTPStatusCode)
		}
		return &core.Error{
			Kind:        core.KindBackendHTTP,
			Message:     msg,
			StatusCode:  apiErr.HTTPStatusCode,
			RateLimited: apiErr.HTTPStatusCode == http.StatusTooManyRequests || core.IsRateLimitMessage(msg),
			Provider:    p.name,
			Err:         err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := core.ParseBackendError(p.name, reqErr.HTTPStatusCode, reqErr.Body)
		e.Err = err
		return e
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return core.NewMalformedResponseError(p.name, "failed to decode response: "+err.Error(), err)
	}

	return core.NewNetworkError(p.name, "failed to send request: "+err.Error(), err)
}

func convertUsage(u *openai.Usage) *core.Usage {
	if u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0) {
		return nil
	}
	return &core.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// fragmentStream adapts a go-openai stream to core.FragmentStream.
type fragmentStream struct {
	s *openai.ChatCompletionStream
}

func (f *fragmentStream) Next() (core.Fragment, error) {
	chunk, err := f.s.Recv()
	if err != nil {
		return core.Fragment{}, err
	}
	var frag core.Fragment
	if len(chunk.Choices) > 0 {
		frag.Text = chunk.Choices[0].Delta.Content
	}
	frag.Usage = convertUsage(chunk.Usage)
	return frag, nil
}

func (f *fragmentStream) Close() error {
	return f.s.Close()
}

type captureKey struct{}

// headerCapture keeps the last response headers seen for one call, including
// error responses go-openai does not expose headers for.
type headerCapture struct {
	mu     sync.Mutex
	header http.Header
}

func (c *headerCapture) set(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header = h.Clone()
}

func (c *headerCapture) get() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

// headerTransport adds OpenRouter attribution and request-id headers and
// records response headers for quota tracking.
type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	r := req.Clone(ctx)
	r.Header.Set("X-Title", appTitle)
	if requestID := core.GetRequestID(ctx); requestID != "" {
		r.Header.Set("X-Request-ID", requestID)
	}

	resp, err := t.base.RoundTrip(r)
	if resp != nil {
		if c, ok := ctx.Value(captureKey{}).(*headerCapture); ok {
			c.set(resp.Header)
		}
	}
	return resp, err
}
