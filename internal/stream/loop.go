package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skobkin/sysdash-web/internal/api"
	"github.com/skobkin/sysdash-web/internal/sampler"
)

// GPUSource reads the GPU. Returning sampler.ErrGPUUnavailable disables GPU
// sampling for the rest of the process lifetime.
type GPUSource interface {
	Sample() (sampler.GPUMetrics, error)
}

// HostSource reads host metrics. Reads never fail; they fall back to the last
// known value.
type HostSource interface {
	CPU() sampler.CPUMetrics
	Memory() sampler.MemoryMetrics
	Temperature() sampler.TemperatureMetrics
}

// samplingLoop builds one Snapshot per interval while active. Pausing stops
// the ticker but keeps the goroutine so resuming is cheap.
type samplingLoop struct {
	interval   time.Duration
	keepEvents int
	gpu        GPUSource
	host       HostSource
	inventory  *InventoryPoller
	publish    func(api.Snapshot)
	logger     *slog.Logger

	active       atomic.Bool
	gpuAvailable atomic.Bool
	ticks        atomic.Uint64
	wake         chan struct{}
}

func newSamplingLoop(interval time.Duration, keepEvents int, gpu GPUSource, host HostSource, inventory *InventoryPoller, publish func(api.Snapshot), logger *slog.Logger) *samplingLoop {
	l := &samplingLoop{
		interval:   interval,
		keepEvents: keepEvents,
		gpu:        gpu,
		host:       host,
		inventory:  inventory,
		publish:    publish,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
	l.gpuAvailable.Store(gpu != nil)
	return l
}

func (l *samplingLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	if !l.active.Load() {
		ticker.Stop()
	}

	l.logger.Info("sampling loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("sampling loop stopping", "reason", ctx.Err())
			return
		case <-l.wake:
			if l.active.Load() {
				ticker.Reset(l.interval)
			} else {
				ticker.Stop()
			}
		case <-ticker.C:
			if !l.active.Load() {
				continue
			}
			l.ticks.Add(1)
			l.publish(l.collect(time.Now()))
		}
	}
}

func (l *samplingLoop) resume() {
	l.setActive(true)
}

func (l *samplingLoop) pause() {
	l.setActive(false)
}

func (l *samplingLoop) setActive(active bool) {
	l.active.Store(active)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// collect is only called from the loop goroutine.
func (l *samplingLoop) collect(now time.Time) api.Snapshot {
	snapshot := api.Snapshot{
		Timestamp:  now.UTC(),
		KeepEvents: l.keepEvents,
	}

	if l.gpu != nil {
		metrics, err := l.gpu.Sample()
		switch {
		case errors.Is(err, sampler.ErrGPUUnavailable):
			l.logger.Warn("gpu sampler failed permanently, gpu metrics disabled", "err", err)
			l.gpu = nil
			l.gpuAvailable.Store(false)
		case err != nil:
			l.logger.Debug("gpu sample unavailable", "err", err)
		default:
			snapshot.GPU = &metrics
		}
	}

	snapshot.CPU = l.host.CPU()
	snapshot.Memory = l.host.Memory()
	snapshot.Temperature = l.host.Temperature()
	snapshot.Inventory = l.inventory.Latest()
	snapshot.NextPollSeconds = l.inventory.NextPollSeconds(now)

	return snapshot
}
