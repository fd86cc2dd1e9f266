// Package stream samples host telemetry on an interval and fans the merged
// snapshots out to connected clients. Sampling and inventory polling only run
// while clients are connected; they are suspended after a grace period once
// the last client leaves.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/sysdash-web/internal/api"
)

var (
	// ErrQueueFull is returned by Client.Send when the client cannot keep up.
	ErrQueueFull = errors.New("client queue full")
	// ErrClientClosed is returned by Client.Send after the client went away.
	ErrClientClosed = errors.New("client closed")
)

// State is the lifecycle state of the stream.
type State int

const (
	// StateStopped means no client has connected yet.
	StateStopped State = iota
	// StateRunning means sampling and polling are active. This includes the
	// grace period after the last disconnect.
	StateRunning
	// StateSuspended means sampling is paused and the replay buffer is empty.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is a connected consumer. Send must not block.
type Client interface {
	ID() uint64
	Send(frame []byte) error
}

// Inventory lists workloads and runs lifecycle actions on them.
type Inventory interface {
	Lister
	Controller
}

// Options configures a Hub.
type Options struct {
	SampleInterval         time.Duration
	KeepEvents             int
	InventoryInterval      time.Duration
	SlowInventoryThreshold time.Duration
	SuspendGrace           time.Duration

	// GPU is optional. A nil GPU omits gpu from every snapshot.
	GPU       GPUSource
	Host      HostSource
	Inventory Inventory
}

// Stats is a point-in-time view of the hub for health and metrics endpoints.
type Stats struct {
	State           string `json:"state"`
	Clients         int    `json:"clients"`
	Buffered        int    `json:"buffered"`
	KeepEvents      int    `json:"keep_events"`
	GPUAvailable    bool   `json:"gpu_available"`
	InventoryActive bool   `json:"inventory_active"`
	Ticks           uint64 `json:"ticks"`
	Broadcasts      uint64 `json:"broadcasts"`
	SendFailures    uint64 `json:"send_failures"`
	Polls           uint64 `json:"polls"`
	PollFailures    uint64 `json:"poll_failures"`
	PollsSkipped    uint64 `json:"polls_skipped"`
	Commands        uint64 `json:"commands"`
	CommandFailures uint64 `json:"command_failures"`
	MessagesIgnored uint64 `json:"messages_ignored"`
}

type frame struct {
	snapshot api.Snapshot
	data     []byte
}

// Hub owns the client set and drives the sampling loop and inventory poller
// through the stopped, running and suspended states.
type Hub struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	poller     *InventoryPoller
	dispatcher *Dispatcher
	buffer     *Ring[frame]

	mu         sync.Mutex
	state      State
	clients    map[Client]struct{}
	loop       *samplingLoop
	graceTimer *time.Timer
	graceGen   uint64

	broadcasts   atomic.Uint64
	sendFailures atomic.Uint64
}

// NewHub validates opts and returns a hub in the stopped state.
func NewHub(opts Options, logger *slog.Logger) (*Hub, error) {
	switch {
	case opts.SampleInterval <= 0:
		return nil, fmt.Errorf("sample interval must be > 0")
	case opts.KeepEvents <= 0:
		return nil, fmt.Errorf("keep events must be > 0")
	case opts.InventoryInterval <= 0:
		return nil, fmt.Errorf("inventory interval must be > 0")
	case opts.SuspendGrace < 0:
		return nil, fmt.Errorf("suspend grace must be >= 0")
	case opts.Host == nil:
		return nil, fmt.Errorf("host source is required")
	case opts.Inventory == nil:
		return nil, fmt.Errorf("inventory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		buffer:  NewRing[frame](opts.KeepEvents),
		clients: make(map[Client]struct{}),
	}
	h.poller = NewInventoryPoller(ctx, opts.Inventory, opts.InventoryInterval, opts.SlowInventoryThreshold, logger.With("component", "inventory"))
	h.dispatcher = NewDispatcher(opts.Inventory, h.poller, logger.With("component", "dispatcher"))
	return h, nil
}

// Connect registers c, starting or resuming the stream if needed, and
// replays the buffered history to c before any live snapshot.
func (h *Hub) Connect(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	h.cancelGraceLocked()

	switch h.state {
	case StateStopped:
		h.loop = newSamplingLoop(h.opts.SampleInterval, h.opts.KeepEvents, h.opts.GPU, h.opts.Host, h.poller, h.publish, h.logger.With("component", "sampling"))
		h.loop.resume()
		go h.loop.run(h.ctx)
		h.poller.Start()
		h.state = StateRunning
		h.logger.Info("stream started")
	case StateSuspended:
		h.loop.resume()
		h.poller.Start()
		h.state = StateRunning
		h.logger.Info("stream resumed")
	}

	history := h.buffer.Items()
	for i, f := range history {
		if err := c.Send(f.data); err != nil {
			h.sendFailures.Add(1)
			h.logger.Warn("history replay failed", "ws_id", c.ID(), "sent", i, "total", len(history), "err", err)
			break
		}
	}
	h.logger.Debug("client connected", "ws_id", c.ID(), "clients", len(h.clients), "replayed", len(history))
}

// Disconnect removes c. Removing the last client arms the suspend timer.
func (h *Hub) Disconnect(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.logger.Debug("client disconnected", "ws_id", c.ID(), "clients", len(h.clients))

	if len(h.clients) > 0 || h.state != StateRunning {
		return
	}

	h.cancelGraceLocked()
	gen := h.graceGen
	h.graceTimer = time.AfterFunc(h.opts.SuspendGrace, func() {
		h.suspend(gen)
	})
	h.logger.Info("last client left, suspend scheduled", "grace", h.opts.SuspendGrace)
}

// HandleMessage dispatches one inbound frame from c. It blocks until the
// resulting workload action finishes.
func (h *Hub) HandleMessage(ctx context.Context, c Client, data []byte) bool {
	return h.dispatcher.Dispatch(ctx, data, h.logger.With("ws_id", c.ID()))
}

// State returns the current lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Latest returns the newest buffered snapshot. It reports false while the
// buffer is empty, which includes the whole suspended state.
func (h *Hub) Latest() (api.Snapshot, bool) {
	items := h.buffer.Items()
	if len(items) == 0 {
		return api.Snapshot{}, false
	}
	return items[len(items)-1].snapshot, true
}

// Stats returns counters and state for observability.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	stats := Stats{
		State:        h.state.String(),
		Clients:      len(h.clients),
		KeepEvents:   h.opts.KeepEvents,
		GPUAvailable: h.opts.GPU != nil,
	}
	if h.loop != nil {
		stats.GPUAvailable = h.loop.gpuAvailable.Load()
		stats.Ticks = h.loop.ticks.Load()
	}
	h.mu.Unlock()

	stats.Buffered = h.buffer.Len()
	stats.InventoryActive = h.poller.Active()
	stats.Broadcasts = h.broadcasts.Load()
	stats.SendFailures = h.sendFailures.Load()
	stats.Polls = h.poller.polls.Load()
	stats.PollFailures = h.poller.failures.Load()
	stats.PollsSkipped = h.poller.skipped.Load()
	stats.Commands = h.dispatcher.handled.Load()
	stats.CommandFailures = h.dispatcher.failed.Load()
	stats.MessagesIgnored = h.dispatcher.rejected.Load()
	return stats
}

// Close stops the timers and background goroutines.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.cancelGraceLocked()
	h.mu.Unlock()

	h.poller.Stop()
	h.cancel()
	return nil
}

func (h *Hub) suspend(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.graceGen || len(h.clients) > 0 || h.state != StateRunning {
		return
	}
	h.graceTimer = nil

	h.loop.pause()
	h.buffer.Clear()
	h.poller.Stop()
	h.state = StateSuspended
	h.logger.Info("stream suspended", "reason", "no clients")
}

// cancelGraceLocked also invalidates a timer callback that already fired but
// has not yet acquired the lock.
func (h *Hub) cancelGraceLocked() {
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}
	h.graceGen++
}

// publish is called by the sampling loop for every tick.
func (h *Hub) publish(snapshot api.Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "err", err)
		return
	}

	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.buffer.Push(frame{snapshot: snapshot, data: data})
	targets := make([]Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(data); err != nil {
			h.sendFailures.Add(1)
			h.logger.Warn("broadcast send failed", "ws_id", c.ID(), "err", err)
		}
	}
	h.broadcasts.Add(1)
}
