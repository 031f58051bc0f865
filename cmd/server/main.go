package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/config"
	"github.com/chadiek/callstream/internal/httpserver"
	"github.com/chadiek/callstream/internal/logging"
	"github.com/chadiek/callstream/internal/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callstream:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := orchestrator.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var recorder httpserver.Recorder
	if stack.Recorder != nil {
		recorder = stack.Recorder
	}
	srv := httpserver.New(stack.Orchestrator, stack.RTC, recorder, httpserver.Options{
		BaseURL:              cfg.BaseURL,
		TwilioAuthToken:      cfg.TwilioAuthToken,
		TwilioSkipValidation: cfg.TwilioSkipValidation,
		RTCAuthPassword:      cfg.RTCAuthPassword,
		Metrics:              stack.Metrics.Handler(),
		Logger:               logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.HTTPAddress), zap.String("base_url", cfg.BaseURL))
		serverErrors <- server.ListenAndServe()
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	var serveErr error
loop:
	for {
		select {
		case err := <-serverErrors:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr = fmt.Errorf("server error: %w", err)
			}
			break loop
		case <-reload:
			logger.Info("reloading asset library")
			if err := stack.Orchestrator.Reload(ctx); err != nil {
				logger.Error("asset reload failed", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
	if err := stack.Orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("calls did not drain", zap.Error(err))
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Warn("closing resources", zap.Error(err))
	}
	return serveErr
}
