// Package main is the entry point for the llmrelay server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmrelay/config"
	"llmrelay/internal/app"
	"llmrelay/internal/logging"
	"llmrelay/internal/providers"
	"llmrelay/internal/providers/gemini"
	"llmrelay/internal/providers/groq"
	"llmrelay/internal/providers/openrouter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	factory := providers.NewProviderFactory()
	factory.Add(groq.Registration)
	factory.Add(gemini.Registration)
	factory.Add(openrouter.Registration)

	application, err := app.New(context.Background(), app.Config{
		AppConfig: cfg,
		Factory:   factory,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		slog.Error("server failed", "error", err)
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}
	// Start returns as soon as the listener closes; wait for the final state save.
	<-done
}
