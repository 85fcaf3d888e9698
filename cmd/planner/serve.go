package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	planhttp "github.com/Zolokon/business-planner-sub000/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the NATS completion subscriber",
	Long: `Serve POST /api/v1/pipeline, task completion and archive endpoints,
/health and /metrics. With nats.enabled the planner also consumes
completion reports and announces created tasks.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()
	zlog := a.logger.Underlying()

	if a.completed != nil {
		if err := a.completed.Start(ctx); err != nil {
			return fmt.Errorf("starting completion subscriber: %w", err)
		}
		defer func() {
			if err := a.completed.Stop(); err != nil {
				zlog.Warn("stopping completion subscriber", zap.Error(err))
			}
		}()
	}

	server, err := planhttp.NewServer(a.runner, a.recorder, zlog.Named("http"), &planhttp.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Metrics: planhttp.NewHTTPMetricsWithMeter(a.telemetry.Meter("planner.http"), zlog),
		Store:   a.store,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
