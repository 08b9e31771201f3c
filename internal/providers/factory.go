// Package providers holds the shared plumbing for backend adapters: resolved
// configuration, the model rotation state, the OpenAI-compatible exchange and
// the factory that builds the compiled-in adapters.
package providers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"llmrelay/internal/core"
	"llmrelay/internal/ratelimit"
)

// ProviderOptions bundles the process-wide collaborators handed to every adapter.
type ProviderOptions struct {
	// Tracker is the shared rate-limit tracker. Required.
	Tracker *ratelimit.Tracker
	// HTTPClient overrides the pooled default client. Optional.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o ProviderOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Builder creates a provider instance from its resolved configuration.
type Builder func(cfg ProviderConfig, opts ProviderOptions) (core.Provider, error)

// Registration couples a provider type with its constructor.
type Registration struct {
	Type string
	New  Builder
}

// ProviderFactory manages provider registration and creation.
type ProviderFactory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewProviderFactory creates an empty factory.
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{builders: make(map[string]Builder)}
}

// Add registers a provider through its Registration value.
func (f *ProviderFactory) Add(reg Registration) {
	f.Register(reg.Type, reg.New)
}

// Register maps a provider type to its builder, replacing any previous one.
func (f *ProviderFactory) Register(providerType string, builder Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[providerType] = builder
}

// Create instantiates a provider based on configuration.
func (f *ProviderFactory) Create(cfg ProviderConfig, opts ProviderOptions) (core.Provider, error) {
	f.mu.RLock()
	builder, ok := f.builders[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("provider %s: rate-limit tracker is required", cfg.Name)
	}
	return builder(cfg, opts)
}

// ListRegistered returns the registered provider types in sorted order.
func (f *ProviderFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// BuildOrdered creates the configured providers following priority.
// Names in priority without configuration are skipped with an info log;
// configured providers missing from priority are appended in name order.
func (f *ProviderFactory) BuildOrdered(configs map[string]ProviderConfig, priority []string, opts ProviderOptions) ([]core.Provider, error) {
	log := opts.logger()

	order := make([]string, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for _, name := range priority {
		if _, ok := configs[name]; !ok {
			log.Info("provider in priority list is not configured", "provider", name)
			continue
		}
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	rest := make([]string, 0)
	for name := range configs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	result := make([]core.Provider, 0, len(order))
	for _, name := range order {
		p, err := f.Create(configs[name], opts)
		if err != nil {
			return nil, fmt.Errorf("create provider %s: %w", name, err)
		}
		log.Info("provider initialized", "provider", name, "models", p.Models())
		result = append(result, p)
	}
	if len(result) == 0 {
		return nil, core.ErrNoProviders
	}
	return result, nil
}
