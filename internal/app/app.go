// Package app wires configuration, the rate-limit tracker, providers, the
// failover orchestrator and the HTTP server, and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"llmrelay/config"
	"llmrelay/internal/failover"
	"llmrelay/internal/httpclient"
	"llmrelay/internal/observability"
	"llmrelay/internal/providers"
	"llmrelay/internal/ratelimit"
	"llmrelay/internal/server"
)

// App represents the main application with all its dependencies.
type App struct {
	config  *config.Config
	tracker *ratelimit.Tracker
	store   ratelimit.Store
	relay   *failover.Orchestrator
	server  *server.Server
	logger  *slog.Logger

	stopPersist context.CancelFunc
	persistDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	AppConfig *config.Config

	// Factory provides the ProviderFactory used to construct provider instances.
	Factory *providers.ProviderFactory

	// Registerer receives the relay metrics when metrics are enabled;
	// nil uses the default Prometheus registry.
	Registerer prometheus.Registerer
	// Gatherer serves the metrics endpoint; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// HTTPClient overrides the shared backend client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	appCfg := cfg.AppConfig
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{config: appCfg, logger: logger}

	app.tracker = ratelimit.New(ratelimit.Config{
		HighTrafficThreshold: appCfg.RateLimit.HighTrafficThreshold(),
		Cooldown:             appCfg.RateLimit.Cooldown(),
	})

	store, err := newStateStore(ctx, appCfg.RateLimit.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limit store: %w", err)
	}
	app.store = store
	if store != nil {
		n, err := app.tracker.LoadFrom(ctx, store)
		if err != nil {
			logger.Warn("starting with empty rate limit state", "error", err)
		} else if n > 0 {
			logger.Info("restored rate limit state", "records", n)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewHTTPClient(httpClientConfig(appCfg.HTTP))
	}

	resolved := providers.ResolveProviders(appCfg.Providers, appCfg.Resilience)
	provs, err := cfg.Factory.BuildOrdered(resolved, appCfg.Failover.Priority, providers.ProviderOptions{
		Tracker:    app.tracker,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize providers: %w", err), app.closeStore())
	}

	opts := []failover.Option{
		failover.WithRequalify(appCfg.Failover.Requalify),
		failover.WithLogger(logger),
	}
	if appCfg.Metrics.Enabled {
		opts = append(opts, failover.WithHooks(observability.NewPrometheusHooks(cfg.Registerer)))
	}
	app.relay, err = failover.New(provs, app.tracker, opts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize failover: %w", err), app.closeStore())
	}

	app.logStartupInfo()

	app.server = server.New(app.relay, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		Gatherer:        cfg.Gatherer,
		Logger:          logger,
	})

	if store != nil {
		persistCtx, cancel := context.WithCancel(context.Background())
		app.stopPersist = cancel
		app.persistDone = make(chan struct{})
		interval := time.Duration(appCfg.RateLimit.Store.SaveInterval) * time.Second
		go func() {
			defer close(app.persistDone)
			app.tracker.RunPersistence(persistCtx, store, interval)
		}()
	}

	return app, nil
}

func newStateStore(ctx context.Context, cfg config.StateStoreConfig) (ratelimit.Store, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return ratelimit.NewLocalStore(cfg.Path), nil
	case "redis":
		return ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			URL: cfg.Redis.URL,
			Key: cfg.Redis.Key,
			TTL: time.Duration(cfg.Redis.TTL) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

func httpClientConfig(cfg config.HTTPConfig) *httpclient.ClientConfig {
	c := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		c.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	if cfg.ResponseHeaderTimeout > 0 {
		c.ResponseHeaderTimeout = time.Duration(cfg.ResponseHeaderTimeout) * time.Second
	}
	return &c
}

// Relay returns the failover orchestrator.
func (a *App) Relay() *failover.Orchestrator {
	return a.relay
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first, then persistence (which performs a final save),
// then the state store.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.stopPersist != nil {
		a.stopPersist()
		select {
		case <-a.persistDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("rate limit persistence: %w", ctx.Err()))
		}
	}

	if err := a.closeStore(); err != nil {
		a.logger.Error("rate limit store close error", "error", err)
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		a.logger.Warn("LLMRELAY_MASTER_KEY not set - API is unauthenticated")
	} else {
		a.logger.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}

	names := make([]string, 0, len(a.relay.Providers()))
	for _, p := range a.relay.Providers() {
		names = append(names, p.Name())
	}
	a.logger.Info("failover configured",
		"order", names,
		"requalify", cfg.Failover.Requalify,
		"cooldown", cfg.RateLimit.Cooldown(),
		"high_traffic_threshold", cfg.RateLimit.HighTrafficThreshold(),
		"state_store", cfg.RateLimit.Store.Type,
	)
}
