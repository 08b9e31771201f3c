// Package failover executes completions across an ordered list of providers,
// rotating models inside a provider on rate limits and moving to the next
// provider on any other failure.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/ratelimit"
)

// Requalify policies for a provider whose cooldown has elapsed.
const (
	// RequalifyFull resets the provider and treats it like a fresh one.
	RequalifyFull = "full"
	// RequalifyProbe allows one attempt on the first model; a failure re-flags it.
	RequalifyProbe = "probe"
)

// Outcome labels the result of one attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
	OutcomeCancelled   Outcome = "cancelled"
	// OutcomeSkipped is a model passed over because the tracker limits it.
	OutcomeSkipped Outcome = "skipped"
)

// Hooks receives failover events. Implementations must be safe for concurrent use.
type Hooks interface {
	AttemptFinished(provider, model string, outcome Outcome, elapsed time.Duration)
	ModelRotated(provider string)
	FailedOver(from string)
	Exhausted()
}

type noopHooks struct{}

func (noopHooks) AttemptFinished(string, string, Outcome, time.Duration) {}
func (noopHooks) ModelRotated(string)                                   {}
func (noopHooks) FailedOver(string)                                     {}
func (noopHooks) Exhausted()                                            {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRequalify selects the requalify policy. Unknown values fall back to full.
func WithRequalify(policy string) Option {
	return func(o *Orchestrator) {
		if policy == RequalifyProbe {
			o.policy = RequalifyProbe
		} else {
			o.policy = RequalifyFull
		}
	}
}

// WithHooks installs event hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hooks = h
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	providers []core.Provider
	tracker   *ratelimit.Tracker
	policy    string
	hooks     Hooks
	logger    *slog.Logger

	mu sync.Mutex
	// flagged holds providers whose probe failed; they wait for a full cooldown.
	flagged map[string]bool
}

// New builds an orchestrator over providers in priority order.
func New(providers []core.Provider, tracker *ratelimit.Tracker, opts ...Option) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, core.ErrNoProviders
	}
	if tracker == nil {
		return nil, errors.New("failover: rate-limit tracker is required")
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p.Name()] {
			return nil, fmt.Errorf("failover: duplicate provider %q", p.Name())
		}
		seen[p.Name()] = true
	}

	o := &Orchestrator{
		providers: append([]core.Provider(nil), providers...),
		tracker:   tracker,
		policy:    RequalifyFull,
		hooks:     noopHooks{},
		logger:    slog.Default(),
		flagged:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Providers returns the providers in priority order.
func (o *Orchestrator) Providers() []core.Provider {
	return append([]core.Provider(nil), o.providers...)
}

// Tracker returns the shared rate-limit tracker.
func (o *Orchestrator) Tracker() *ratelimit.Tracker {
	return o.tracker
}

// Complete runs req against the providers until one succeeds.
// It returns *core.ExhaustedError when every provider failed or was skipped,
// and the context error when ctx is done.
func (o *Orchestrator) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, requestID := core.EnsureRequestID(ctx)
	log := o.logger.With("request_id", requestID)

	exhausted := &core.ExhaustedError{}
	for i, p := range o.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := p.Name()
		probe, ok := o.qualify(p, log)
		if !ok {
			log.Debug("skipping unavailable provider", "provider", name)
			exhausted.Skipped = append(exhausted.Skipped, name)
			continue
		}

		resp, err := o.runProvider(ctx, p, req, probe, exhausted, log)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}

		if i < len(o.providers)-1 {
			o.hooks.FailedOver(name)
			log.Info("failing over to next provider", "provider", name)
		}
	}

	o.hooks.Exhausted()
	log.Warn("all providers exhausted",
		"attempts", len(exhausted.Attempts),
		"skipped", exhausted.Skipped,
	)
	return nil, exhausted
}

// qualify decides whether p may be attempted in this call, and whether the
// attempt is a single probe.
func (o *Orchestrator) qualify(p core.Provider, log *slog.Logger) (probe bool, ok bool) {
	name := p.Name()
	limited := !p.IsAvailable() || o.tracker.IsLimited(name, "") || o.isFlagged(name)
	if !limited {
		return false, true
	}

	// Without a provider-level record the adapter's own limit time decides.
	_, tracked := o.tracker.Get(name, "")
	limitedAt := p.RateLimitInfo().LimitedAt
	if !tracked && limitedAt != nil && o.tracker.Now().Sub(*limitedAt) < o.tracker.Config().Cooldown {
		return false, false
	}
	if !o.tracker.ResetIfCooledDown(name, "") {
		return false, false
	}

	p.ResetRotation()
	o.setFlagged(name, false)
	if !p.IsAvailable() {
		return false, false
	}
	if tracked || limitedAt != nil {
		log.Info("provider requalified after cooldown", "provider", name, "policy", o.policy)
	}
	return o.policy == RequalifyProbe, true
}

// runProvider attempts p until it succeeds, runs out of models or fails with
// a non rate-limit error. A nil response with a nil error means "move on".
// A non-nil error is always the caller's context error.
func (o *Orchestrator) runProvider(
	ctx context.Context,
	p core.Provider,
	req *core.CompletionRequest,
	probe bool,
	exhausted *core.ExhaustedError,
	log *slog.Logger,
) (*core.CompletionResponse, error) {
	name := p.Name()
	tried := make(map[string]bool)
	for {
		model := p.CurrentModel()
		if tried[model] {
			// A concurrent requalify moved the cursor back.
			return nil, nil
		}
		tried[model] = true

		if o.tracker.IsLimited(name, model) && !o.tracker.ResetIfCooledDown(name, model) {
			o.hooks.AttemptFinished(name, model, OutcomeSkipped, 0)
			exhausted.Attempts = append(exhausted.Attempts, core.AttemptError{
				Provider: name,
				Model:    model,
				Err:      core.NewRateLimitError(name, "model is rate limited, skipped without a request").WithModel(model),
			})
			if probe {
				o.setFlagged(name, true)
				return nil, nil
			}
			if !p.RotateFrom(model) {
				return nil, nil
			}
			o.hooks.ModelRotated(name)
			log.Debug("skipping rate-limited model", "provider", name, "model", model, "next", p.CurrentModel())
			continue
		}

		start := time.Now()
		resp, err := p.CompleteModel(ctx, model, req)
		elapsed := time.Since(start)

		if err == nil {
			o.tracker.RecordSuccess(name, model)
			// A provider that refused an earlier model keeps its record
			// until the cooldown, so the next call does not retry that model.
			if p.IsAvailable() {
				o.tracker.RecordSuccess(name, "")
			}
			o.hooks.AttemptFinished(name, model, OutcomeSuccess, elapsed)
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			o.hooks.AttemptFinished(name, model, OutcomeCancelled, elapsed)
			return nil, ctxErr
		}

		o.tracker.RecordError(name, model)
		o.tracker.RecordError(name, "")
		exhausted.Attempts = append(exhausted.Attempts, core.AttemptError{Provider: name, Model: model, Err: err})

		if !core.IsRateLimited(err) {
			o.hooks.AttemptFinished(name, model, OutcomeError, elapsed)
			log.Warn("provider attempt failed", "provider", name, "model", model, "error", err)
			if probe {
				o.setFlagged(name, true)
			}
			return nil, nil
		}

		o.hooks.AttemptFinished(name, model, OutcomeRateLimited, elapsed)
		log.Warn("provider rate limited", "provider", name, "model", model, "error", err)
		if probe {
			o.setFlagged(name, true)
			return nil, nil
		}
		if !p.RotateFrom(model) {
			return nil, nil
		}
		o.hooks.ModelRotated(name)
		log.Info("rotated model", "provider", name, "from", model, "to", p.CurrentModel())
	}
}

func (o *Orchestrator) isFlagged(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flagged[name]
}

func (o *Orchestrator) setFlagged(name string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v {
		o.flagged[name] = true
	} else {
		delete(o.flagged, name)
	}
}

// ProviderStatus is a point-in-time view of one provider.
type ProviderStatus struct {
	Name         string             `json:"name"`
	Available    bool               `json:"available"`
	CurrentModel string             `json:"current_model"`
	Models       []string           `json:"models"`
	RateLimit    core.RateLimitInfo `json:"rate_limit"`
	// TrackerLimited reports the provider-level tracker key.
	TrackerLimited bool `json:"tracker_limited"`
	Flagged        bool `json:"flagged,omitempty"`
}

// Status reports every provider in priority order without changing state.
func (o *Orchestrator) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(o.providers))
	for _, p := range o.providers {
		name := p.Name()
		out = append(out, ProviderStatus{
			Name:           name,
			Available:      p.IsAvailable(),
			CurrentModel:   p.CurrentModel(),
			Models:         p.Models(),
			RateLimit:      p.RateLimitInfo(),
			TrackerLimited: o.tracker.IsLimited(name, ""),
			Flagged:        o.isFlagged(name),
		})
	}
	return out
}
