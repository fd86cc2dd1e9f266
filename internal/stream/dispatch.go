package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/sysdash-web/internal/api"
)

// Controller runs lifecycle actions against a workload. Each method reports
// whether the action succeeded.
type Controller interface {
	Start(ctx context.Context, id string) bool
	Stop(ctx context.Context, id string) bool
	Restart(ctx context.Context, id string) bool
}

// Resetter forces an immediate inventory refresh.
type Resetter interface {
	Reset()
}

// Dispatcher turns inbound client frames into workload actions followed by a
// forced inventory refresh.
type Dispatcher struct {
	controller Controller
	inventory  Resetter
	logger     *slog.Logger

	handled  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(controller Controller, inventory Resetter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		controller: controller,
		inventory:  inventory,
		logger:     logger,
	}
}

// Dispatch handles one client frame. Malformed or unknown frames are logged
// and ignored. It blocks until the workload action completes and reports
// whether the frame was a recognised command.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte, logger *slog.Logger) bool {
	if logger == nil {
		logger = d.logger
	}

	var cmd api.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		d.rejected.Add(1)
		logger.Warn("ignoring malformed client message", "err", err)
		return false
	}
	if !cmd.Valid() {
		d.rejected.Add(1)
		logger.Warn("ignoring unrecognised client message", "command", cmd.Command)
		return false
	}

	logger = logger.With("cmd_id", uuid.NewString(), "command", cmd.Command, "workload_id", cmd.ID)
	logger.Info("workload command received")

	start := time.Now()
	var ok bool
	switch cmd.Command {
	case api.CommandWorkloadStart:
		ok = d.controller.Start(ctx, cmd.ID)
	case api.CommandWorkloadStop:
		ok = d.controller.Stop(ctx, cmd.ID)
	case api.CommandWorkloadRestart:
		ok = d.controller.Restart(ctx, cmd.ID)
	}

	d.handled.Add(1)
	if ok {
		logger.Info("workload command succeeded", "duration", time.Since(start))
	} else {
		d.failed.Add(1)
		logger.Warn("workload command failed", "duration", time.Since(start))
	}

	d.inventory.Reset()
	return true
}
