// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"llmrelay/internal/core"
	"llmrelay/internal/failover"
	"llmrelay/internal/ratelimit"
)

// statusClientClosedRequest is the non-standard status for a caller that went away.
const statusClientClosedRequest = 499

// Relay is what the HTTP layer needs from the failover orchestrator.
type Relay interface {
	core.Completer
	Status() []failover.ProviderStatus
	Tracker() *ratelimit.Tracker
}

// Handler holds the HTTP handlers
type Handler struct {
	relay  Relay
	logger *slog.Logger
}

// NewHandler creates a new handler with the given relay
func NewHandler(relay Relay, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: relay, logger: logger}
}

// Complete handles POST /v1/completions
func (h *Handler) Complete(c echo.Context) error {
	var req core.CompletionRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	resp, err := h.relay.Complete(c.Request().Context(), &req)
	if err != nil {
		h.logger.Debug("completion failed",
			"request_id", core.GetRequestID(c.Request().Context()),
			"error", err,
		)
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ProvidersResponse is the body of GET /v1/providers.
type ProvidersResponse struct {
	Providers  []failover.ProviderStatus `json:"providers"`
	RateLimits []ratelimit.State         `json:"rate_limits"`
}

// Providers handles GET /v1/providers
func (h *Handler) Providers(c echo.Context) error {
	states := h.relay.Tracker().States()
	if states == nil {
		states = []ratelimit.State{}
	}
	return c.JSON(http.StatusOK, ProvidersResponse{
		Providers:  h.relay.Status(),
		RateLimits: states,
	})
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	available := 0
	for _, p := range h.relay.Status() {
		if p.Available {
			available++
		}
	}
	status := "ok"
	if available == 0 {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":              status,
		"providers_available": available,
	})
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Type       string           `json:"type"`
	Message    string           `json:"message"`
	Provider   string           `json:"provider,omitempty"`
	Model      string           `json:"model,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Attempts   []attemptPayload `json:"attempts,omitempty"`
	Skipped    []string         `json:"skipped,omitempty"`
}

type attemptPayload struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// handleError converts relay errors to appropriate HTTP responses.
// ExhaustedError is checked first: its attempts also match *core.Error.
func handleError(c echo.Context, err error) error {
	var exhausted *core.ExhaustedError
	if errors.As(err, &exhausted) {
		payload := errorPayload{
			Type:    "providers_exhausted",
			Message: "all providers failed",
			Skipped: exhausted.Skipped,
		}
		for _, a := range exhausted.Attempts {
			payload.Attempts = append(payload.Attempts, newAttemptPayload(a))
		}
		return c.JSON(exhausted.HTTPStatusCode(), errorResponse{Error: payload})
	}

	var relayErr *core.Error
	if errors.As(err, &relayErr) {
		return c.JSON(relayErr.HTTPStatusCode(), errorResponse{Error: errorPayload{
			Type:       string(relayErr.Kind),
			Message:    relayErr.Message,
			Provider:   relayErr.Provider,
			Model:      relayErr.Model,
			StatusCode: relayErr.StatusCode,
		}})
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, errorResponse{Error: errorPayload{
			Type:    "timeout_error",
			Message: "request deadline exceeded",
		}})
	case errors.Is(err, context.Canceled):
		return c.JSON(statusClientClosedRequest, errorResponse{Error: errorPayload{
			Type:    "request_cancelled",
			Message: "request cancelled",
		}})
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: errorPayload{
		Type:    "internal_error",
		Message: "an unexpected error occurred",
	}})
}

func newAttemptPayload(a core.AttemptError) attemptPayload {
	out := attemptPayload{Provider: a.Provider, Model: a.Model, Message: a.Err.Error()}
	var e *core.Error
	if errors.As(a.Err, &e) {
		out.Type = string(e.Kind)
		out.Message = e.Message
		out.StatusCode = e.StatusCode
	}
	return out
}
