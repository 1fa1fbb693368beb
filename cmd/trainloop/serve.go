package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	opshttp "github.com/fyrsmithlabs/trainloop/internal/http"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its ops endpoints",
		Long: `Run the orchestrator until interrupted.

On start, tasks left running by a previous process are reconciled: a phase
that was in flight is failed, and a task parked between phases is resumed.
The ops server exposes /health, /ready, /metrics and /api/v1/status.

Examples:
  # Serve with the default config
  trainloop serve

  # Serve against postgres
  TRAINLOOP_STORE_DRIVER=postgres TRAINLOOP_STORE_POSTGRES__URL=postgres://... trainloop serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

// runServe blocks until ctx is cancelled or the ops server fails, then
// drains drivers and shuts everything down within the configured timeout.
func runServe(ctx context.Context, configPath string) error {
	s, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	cfg := a.cfg

	srv, err := opshttp.NewServer(opshttp.Dependencies{
		Logger:  a.logger,
		Checks:  map[string]opshttp.Checker{"store": a.repo},
		Stats:   a.svc,
		Meter:   a.tel.Meter(instrumentationName),
		Version: version,
	}, &opshttp.Config{Port: cfg.Server.Port})
	if err != nil {
		_ = a.Close(ctx)
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if cfg.Orchestrator.RecoverOnStart {
		report, err := a.orch.Recover(ctx)
		if err != nil {
			_ = a.Close(ctx)
			return fmt.Errorf("recovery failed: %w", err)
		}
		a.logger.Info(ctx, "recovery complete",
			zap.Strings("interrupted", report.Interrupted),
			zap.Strings("resumed", report.Resumed),
		)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info(context.Background(), "shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error(context.Background(), "http server failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.logger.Info(shutdownCtx, "trainloop stopped")
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	return errors.Join(errs...)
}
