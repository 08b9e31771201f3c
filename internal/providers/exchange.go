package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"llmrelay/internal/core"
	"llmrelay/internal/llmclient"
	"llmrelay/internal/ratelimit"
)

// ChatPayload is the OpenAI-compatible chat completion body.
type ChatPayload struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

// NewChatPayload copies the request messages so the caller's request is never aliased.
func NewChatPayload(model string, req *core.CompletionRequest, temperature float64, maxTokens *int) ChatPayload {
	return ChatPayload{
		Model:       model,
		Messages:    append([]core.Message(nil), req.Messages...),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// Exchange does the bookkeeping every adapter shares around a backend call:
// quota headers go to the tracker and the rotation view, rate-limit failures
// set the local limited flag, and bodies are parsed tolerantly.
type Exchange struct {
	Name     string
	Rotation *Rotation
	Tracker  *ratelimit.Tracker
	Headers  ratelimit.HeaderMapping
	Logger   *slog.Logger
	// Client is only needed by PostChat.
	Client *llmclient.Client
}

func (x *Exchange) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// PostChat sends payload to /chat/completions and converts the reply.
func (x *Exchange) PostChat(ctx context.Context, payload ChatPayload) (*core.CompletionResponse, error) {
	resp, err := x.Client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     payload,
	})
	var header http.Header
	if resp != nil {
		header = resp.Header
	}
	x.Observe(ctx, payload.Model, header, err)
	if err != nil {
		return nil, tagModel(err, payload.Model)
	}

	out, perr := ParseChatCompletion(x.Name, resp.Body)
	if perr != nil {
		return nil, perr.WithModel(payload.Model)
	}
	return x.Finish(ctx, payload.Model, out), nil
}

// Observe records what one attempt on model revealed about quota.
// Nothing is recorded once the caller's context is done.
func (x *Exchange) Observe(ctx context.Context, model string, header http.Header, err error) {
	if ctx.Err() != nil || core.IsCancellation(err) {
		return
	}
	if header != nil {
		q := x.Tracker.UpdateFromHeaders(x.Name, model, header, x.Headers)
		x.Rotation.ApplyQuota(q, x.Tracker.Now())
	}
	if core.IsRateLimited(err) {
		x.Rotation.MarkLimited(x.Tracker.Now())
		x.logger().Warn("backend rate limited",
			"provider", x.Name,
			"model", model,
			"request_id", core.GetRequestID(ctx),
			"error", err,
		)
	}
}

// Finish stamps the provider and model on out and warns about empty content.
func (x *Exchange) Finish(ctx context.Context, model string, out *core.CompletionResponse) *core.CompletionResponse {
	out.Provider = x.Name
	out.Model = model
	if out.Content == "" {
		x.logger().Warn("backend returned empty content",
			"provider", x.Name,
			"model", model,
			"request_id", core.GetRequestID(ctx),
		)
	}
	return out
}

// ParseChatCompletion reads an OpenAI-compatible completion body.
// A missing first choice yields empty content; absent usage yields nil usage.
func ParseChatCompletion(provider string, body []byte) (*core.CompletionResponse, *core.Error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewMalformedResponseError(provider, "response body is not valid JSON", nil)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, core.NewMalformedResponseError(provider, "response body is not a JSON object", nil)
	}

	out := &core.CompletionResponse{
		Content: root.Get("choices.0.message.content").String(),
	}
	if u := root.Get("usage"); u.IsObject() {
		out.Usage = &core.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return out, nil
}

func tagModel(err error, model string) error {
	var e *core.Error
	if errors.As(err, &e) && e.Model == "" {
		e.WithModel(model)
	}
	return err
}
