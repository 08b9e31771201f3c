package core

import "context"

// Provider is the capability set every backend adapter implements.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable provider identifier
	Name() string

	// Models returns the ordered candidate models (never empty)
	Models() []string

	// CurrentModel returns the model at the rotation cursor
	CurrentModel() string

	// RotateModel advances the cursor unless it is already at the last model.
	// It reports whether the cursor moved.
	RotateModel() bool

	// RotateFrom advances the cursor past model when it still points at it.
	// It reports whether the cursor now sits on a model after model, which is
	// also true when a concurrent caller already moved it there.
	RotateFrom(model string) bool

	// ResetRotation returns the cursor to the first model and clears the local rate-limit flag
	ResetRotation()

	// IsAvailable is true when credentials are configured and the adapter is not rate limited
	IsAvailable() bool

	// RateLimitInfo returns the adapter's last-known quota view
	RateLimitInfo() RateLimitInfo

	// Complete performs one request against the current model
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteModel performs one request against model, which the caller
	// read from CurrentModel before deciding to attempt it.
	CompleteModel(ctx context.Context, model string, req *CompletionRequest) (*CompletionResponse, error)
}

// Completer is what callers of the failover layer depend on.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
