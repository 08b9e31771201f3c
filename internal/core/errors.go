// Package core provides the canonical types, errors and interfaces shared by
// every provider adapter and the failover orchestrator.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorKind represents the kind of failure that occurred
type ErrorKind string

const (
	// KindNetwork indicates a transport failure with no usable response
	KindNetwork ErrorKind = "network_error"
	// KindBackendHTTP indicates a non-2xx status from a backend
	KindBackendHTTP ErrorKind = "backend_http_error"
	// KindMalformedResponse indicates a 2xx body that could not be parsed
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindStreamInterrupted indicates a stream that failed mid-delivery
	KindStreamInterrupted ErrorKind = "stream_interrupted"
	// KindInvalidRequest indicates a caller error detected before any network call
	KindInvalidRequest ErrorKind = "invalid_request_error"
)

// maxBodyInMessage bounds how much of a backend body is echoed into error text.
const maxBodyInMessage = 2048

// ErrNoProviders is returned when the orchestrator is built without any provider.
var ErrNoProviders = errors.New("no providers configured")

// Error is the error type returned by adapters and the HTTP client layer.
type Error struct {
	Kind       ErrorKind `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Body       string    `json:"-"`
	// RateLimited is set for 429 responses and for error text using rate-limit wording.
	RateLimited bool   `json:"rate_limited,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteByte('[')
		b.WriteString(e.Provider)
		if e.Model != "" {
			b.WriteByte('/')
			b.WriteString(e.Model)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.RateLimited {
		b.WriteString(" rate limited")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// WithModel records the model the failing attempt used and returns e.
func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

// HTTPStatusCode returns the status a server should answer with for this error.
func (e *Error) HTTPStatusCode() int {
	switch {
	case e.RateLimited:
		return http.StatusTooManyRequests
	case e.Kind == KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// NewNetworkError creates an error for a transport failure.
func NewNetworkError(provider, message string, err error) *Error {
	return &Error{
		Kind:     KindNetwork,
		Message:  message,
		Provider: provider,
		Err:      err,
	}
}

// NewMalformedResponseError creates an error for an unparseable backend body.
func NewMalformedResponseError(provider, message string, err error) *Error {
	return &Error{
		Kind:     KindMalformedResponse,
		Message:  message,
		Provider: provider,
		Err:      err,
	}
}

// NewStreamInterruptedError creates an error for a stream that failed mid-delivery.
func NewStreamInterruptedError(provider string, err error) *Error {
	msg := "stream interrupted"
	if err != nil {
		msg += ": " + err.Error()
	}
	return &Error{
		Kind:     KindStreamInterrupted,
		Message:  msg,
		Provider: provider,
		Err:      err,
	}
}

// NewInvalidRequestError creates a caller error (400)
func NewInvalidRequestError(message string, err error) *Error {
	return &Error{
		Kind:       KindInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewRateLimitError creates a rate-limited backend error (429)
func NewRateLimitError(provider, message string) *Error {
	return &Error{
		Kind:        KindBackendHTTP,
		Message:     message,
		StatusCode:  http.StatusTooManyRequests,
		RateLimited: true,
		Provider:    provider,
	}
}

// ParseBackendError builds a backend_http_error from a non-2xx response.
// The message is taken from the usual `error.message` JSON shapes when present.
func ParseBackendError(provider string, statusCode int, body []byte) *Error {
	message := extractErrorMessage(body)
	if message == "" {
		message = http.StatusText(statusCode)
	}
	text := string(body)
	if len(text) > maxBodyInMessage {
		text = text[:maxBodyInMessage]
	}
	return &Error{
		Kind:        KindBackendHTTP,
		Message:     message,
		StatusCode:  statusCode,
		Body:        text,
		RateLimited: statusCode == http.StatusTooManyRequests || IsRateLimitMessage(message),
		Provider:    provider,
	}
}

func extractErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		s := strings.TrimSpace(string(body))
		if len(s) > maxBodyInMessage {
			s = s[:maxBodyInMessage]
		}
		return s
	}
	// OpenAI-style object, Gemini's array-wrapped variant, then a bare message field.
	for _, path := range []string{"error.message", "0.error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

var rateLimitWording = regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|quota exceeded|resource[ _]exhausted`)

// IsRateLimitMessage reports whether text uses rate-limit wording.
func IsRateLimitMessage(text string) bool {
	return rateLimitWording.MatchString(text)
}

// IsRateLimited reports whether err is tagged as a rate-limit failure.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.RateLimited
	}
	return false
}

// IsCancellation reports whether err stems from the caller's context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// AttemptError records one failed provider/model attempt.
type AttemptError struct {
	Provider string
	Model    string
	Err      error
}

func (a AttemptError) Error() string {
	if a.Model == "" {
		return a.Provider + ": " + a.Err.Error()
	}
	return a.Provider + "/" + a.Model + ": " + a.Err.Error()
}

func (a AttemptError) Unwrap() error { return a.Err }

// ExhaustedError is returned when every provider and model was tried and failed.
type ExhaustedError struct {
	Attempts []AttemptError
	// Skipped lists providers that were not attempted because they were unavailable.
	Skipped []string
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString("all providers were attempted and failed")
	if len(e.Attempts) == 0 {
		b.WriteString(": no provider was available")
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(a.Error())
	}
	if len(e.Skipped) > 0 {
		b.WriteString(" (skipped: ")
		b.WriteString(strings.Join(e.Skipped, ", "))
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// HTTPStatusCode maps an exhausted call to 503, or 429 when every attempt was rate limited.
func (e *ExhaustedError) HTTPStatusCode() int {
	if len(e.Attempts) == 0 {
		return http.StatusServiceUnavailable
	}
	for _, a := range e.Attempts {
		if !IsRateLimited(a.Err) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusTooManyRequests
}
