package core

import (
	"strconv"
	"time"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message in the conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func NewSystemMessage(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func NewUserMessage(content string) Message      { return Message{Role: RoleUser, Content: content} }
func NewAssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// CompletionRequest is the provider-independent request shape.
// Adapters must treat it as read-only; it may be shared across attempts and goroutines.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Validate checks the request before any provider is attempted.
func (r *CompletionRequest) Validate() error {
	if r == nil || len(r.Messages) == 0 {
		return NewInvalidRequestError("request must contain at least one message", nil)
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return NewInvalidRequestError("message "+strconv.Itoa(i)+" has unknown role "+string(m.Role), nil)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return NewInvalidRequestError("max_tokens must not be negative", nil)
	}
	return nil
}

// TemperatureOr returns the requested temperature or def when none was given.
func (r *CompletionRequest) TemperatureOr(def float64) float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return def
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse carries the produced text and which provider/model actually served it.
// Content may be empty; that is a valid result.
type CompletionResponse struct {
	Content  string `json:"content"`
	Usage    *Usage `json:"usage,omitempty"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// Partial is set when a stream was interrupted after some content arrived.
	Partial bool `json:"partial,omitempty"`
	// Interruption holds the stream_interrupted error behind a partial response.
	Interruption *Error `json:"-"`
}

// RateLimitInfo is an adapter's last-known view of its backend quota.
type RateLimitInfo struct {
	IsLimited         bool     `json:"is_limited"`
	RemainingRequests *int     `json:"remaining_requests,omitempty"`
	RemainingTokens   *int     `json:"remaining_tokens,omitempty"`
	ResetSeconds      *float64 `json:"reset_seconds,omitempty"`
	// LimitedAt is when the limited flag was last set.
	LimitedAt *time.Time `json:"limited_at,omitempty"`
}

// Clone returns a deep copy.
func (r RateLimitInfo) Clone() RateLimitInfo {
	c := RateLimitInfo{IsLimited: r.IsLimited}
	if r.RemainingRequests != nil {
		v := *r.RemainingRequests
		c.RemainingRequests = &v
	}
	if r.RemainingTokens != nil {
		v := *r.RemainingTokens
		c.RemainingTokens = &v
	}
	if r.ResetSeconds != nil {
		v := *r.ResetSeconds
		c.ResetSeconds = &v
	}
	if r.LimitedAt != nil {
		v := *r.LimitedAt
		c.LimitedAt = &v
	}
	return c
}
