package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arc-framework/starrynight/internal/orchestrator"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API and bootstrap the theme",
	Long: `Start the HTTP server on the configured port (default :8081) and run a
bootstrap in the background.

A failed startup bootstrap is retried up to server.startup_attempts times.
After that the server stays up and POST /api/v1/bootstrap retries it.
The server shuts down cleanly on SIGTERM or SIGINT.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	app, err := buildAppContext(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building app context: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starrynight server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go bootstrapWithRetry(ctx, app.orchestrator, cfg.Server.StartupAttempts, cfg.Server.StartupRetryDelay, logger)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := app.Close(shutCtx); err != nil {
		logger.Warn("theme shutdown incomplete", "err", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

type bootstrapper interface {
	Bootstrap(ctx context.Context) (*orchestrator.BootstrapResult, error)
}

// bootstrapWithRetry runs bootstrap until it succeeds, attempts runs have
// failed, or ctx is done. A run refused because another is in progress ends
// the loop, since that run owns the outcome.
func bootstrapWithRetry(ctx context.Context, b bootstrapper, attempts int, delay time.Duration, logger *slog.Logger) bool {
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		_, err := b.Bootstrap(ctx)
		switch {
		case err == nil:
			return true
		case errors.Is(err, orchestrator.ErrBootstrapInProgress):
			logger.InfoContext(ctx, "startup bootstrap skipped, run in progress")
			return false
		}
		logger.WarnContext(ctx, "startup bootstrap failed", "attempt", i, "of", attempts, "err", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}
