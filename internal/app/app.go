// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/sysdash-web/internal/config"
	"github.com/skobkin/sysdash-web/internal/gpu"
	"github.com/skobkin/sysdash-web/internal/httpserver"
	"github.com/skobkin/sysdash-web/internal/sampler"
	"github.com/skobkin/sysdash-web/internal/stream"
	"github.com/skobkin/sysdash-web/internal/version"
	"github.com/skobkin/sysdash-web/internal/workload"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle and blocks until ctx is done or
// the listener fails.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")
	appLogger.Info("starting", "version", version.Current().String())

	cards, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		return fmt.Errorf("discover gpus: %w", err)
	}
	appLogger.Info("discovered GPUs", "count", len(cards))

	hub, err := stream.NewHub(stream.Options{
		SampleInterval:         cfg.SampleInterval,
		KeepEvents:             cfg.KeepEvents,
		InventoryInterval:      cfg.Inventory.Interval,
		SlowInventoryThreshold: cfg.Inventory.SlowThreshold,
		SuspendGrace:           cfg.WS.SuspendGrace,
		GPU:                    newGPUSource(cfg, cards, baseLogger),
		Host:                   sampler.NewHostReader(baseLogger.With("component", "host_reader")),
		Inventory:              workload.NewDocker(cfg.Inventory.DockerBinary, nil, baseLogger.With("component", "docker")),
	}, baseLogger.With("component", "stream"))
	if err != nil {
		return fmt.Errorf("init stream: %w", err)
	}
	defer func() {
		if err := hub.Close(); err != nil {
			appLogger.Warn("stream close", "err", err)
		}
	}()

	srv, err := httpserver.New(cfg, baseLogger.With("component", "http"), cards, hub)
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	appLogger.Info("starting HTTP server", "listen_addr", cfg.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}

// newGPUSource returns nil when no card can be sampled so snapshots omit the
// gpu field from the start.
func newGPUSource(cfg config.Config, cards []gpu.Card, logger *slog.Logger) stream.GPUSource {
	card, err := gpu.Select(cards, cfg.DefaultGPU)
	if err != nil {
		logger.Warn("gpu sampling disabled", "err", err, "requested", cfg.DefaultGPU)
		return nil
	}

	reader, err := sampler.NewGPUReader(card.ID, card.Name, cfg.SysfsRoot, cfg.DebugfsRoot, logger.With("component", "gpu_reader", "gpu_id", card.ID))
	if err != nil {
		logger.Warn("gpu sampling disabled", "gpu_id", card.ID, "err", err)
		return nil
	}
	logger.Info("sampling gpu", "gpu_id", card.ID, "name", card.Name)
	return reader
}
