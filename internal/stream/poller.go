package stream

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/sysdash-web/internal/workload"
)

// Lister returns the current workload inventory.
type Lister interface {
	List(ctx context.Context) ([]workload.Container, error)
}

// InventoryPoller re-lists workloads on a fixed cadence and caches the last
// successful result. At most one List call is in flight at any time.
type InventoryPoller struct {
	ctx           context.Context
	lister        Lister
	interval      time.Duration
	slowThreshold time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	inFlight bool
	pending  bool
	nextAt   time.Time
	latest   []workload.Container

	polls    atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
}

// NewInventoryPoller builds a stopped poller. ctx bounds every List call.
func NewInventoryPoller(ctx context.Context, lister Lister, interval, slowThreshold time.Duration, logger *slog.Logger) *InventoryPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &InventoryPoller{
		ctx:           ctx,
		lister:        lister,
		interval:      interval,
		slowThreshold: slowThreshold,
		logger:        logger,
		latest:        []workload.Container{},
	}
}

// Start polls immediately and then every interval. Calling Start on a running
// poller restarts the cadence. If a List call from before a Stop is still in
// flight, the initial poll runs as soon as it returns.
func (p *InventoryPoller) Start() {
	p.restart(true)
}

// Reset cancels the pending tick, polls immediately and resumes the cadence
// from now. A stopped poller performs the single poll and stays stopped.
// The poll is never dropped: if one is already in flight, another one runs
// as soon as it finishes.
func (p *InventoryPoller) Reset() {
	p.mu.Lock()
	active := p.cancel != nil
	p.mu.Unlock()

	if !active {
		p.trigger(true)
		return
	}
	p.restart(true)
}

// Stop cancels the periodic cadence. An in-flight List call is left to finish.
func (p *InventoryPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Active reports whether the periodic cadence is running.
func (p *InventoryPoller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Latest returns the last successful inventory, sorted by name. The slice is
// replaced wholesale on every successful poll and must not be modified.
func (p *InventoryPoller) Latest() []workload.Container {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// NextPollSeconds reports whole seconds until the next scheduled poll, or 0
// when the poller is stopped.
func (p *InventoryPoller) NextPollSeconds(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil || p.nextAt.IsZero() {
		return 0
	}
	remaining := p.nextAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

func (p *InventoryPoller) restart(forced bool) {
	p.mu.Lock()
	p.stopLocked()
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancel = cancel
	p.nextAt = time.Now().Add(p.interval)
	p.mu.Unlock()

	go p.schedule(ctx, forced)
}

func (p *InventoryPoller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.nextAt = time.Time{}
}

func (p *InventoryPoller) schedule(ctx context.Context, forced bool) {
	p.trigger(forced)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.mu.Lock()
			if ctx.Err() != nil {
				p.mu.Unlock()
				return
			}
			p.nextAt = now.Add(p.interval)
			p.mu.Unlock()
			p.trigger(false)
		}
	}
}

// trigger starts a poll unless one is in flight. A forced trigger that
// finds a poll in flight is remembered and runs once that poll returns.
func (p *InventoryPoller) trigger(forced bool) {
	p.mu.Lock()
	if p.inFlight {
		if forced {
			p.pending = true
			p.mu.Unlock()
			p.logger.Debug("forced inventory poll deferred until in-flight poll completes")
			return
		}
		p.mu.Unlock()
		p.skipped.Add(1)
		p.logger.Debug("inventory poll skipped", "reason", "in_flight")
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	go p.run()
}

func (p *InventoryPoller) run() {
	for {
		p.poll()

		p.mu.Lock()
		if !p.pending {
			p.inFlight = false
			p.mu.Unlock()
			return
		}
		p.pending = false
		p.mu.Unlock()
	}
}

func (p *InventoryPoller) poll() {
	start := time.Now()
	containers, err := p.lister.List(p.ctx)
	elapsed := time.Since(start)
	p.polls.Add(1)

	if p.slowThreshold > 0 && elapsed > p.slowThreshold {
		p.logger.Warn("slow inventory poll", "duration", elapsed, "threshold", p.slowThreshold)
	}

	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("inventory poll failed", "err", err, "duration", elapsed)
		return
	}

	if containers == nil {
		containers = []workload.Container{}
	}
	sort.SliceStable(containers, func(i, j int) bool {
		return containers[i].Name < containers[j].Name
	})

	p.mu.Lock()
	p.latest = containers
	p.mu.Unlock()

	p.logger.Debug("inventory poll complete", "workloads", len(containers), "duration", elapsed)
}
