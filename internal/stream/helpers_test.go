package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skobkin/sysdash-web/internal/api"
	"github.com/skobkin/sysdash-web/internal/sampler"
	"github.com/skobkin/sysdash-web/internal/workload"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type fakeHost struct{}

func (fakeHost) CPU() sampler.CPUMetrics {
	return sampler.CPUMetrics{UsagePercent: 12.5}
}

func (fakeHost) Memory() sampler.MemoryMetrics {
	return sampler.MemoryMetrics{UsedKB: 1024, AvailableKB: 3072, TotalKB: 4096}
}

func (fakeHost) Temperature() sampler.TemperatureMetrics {
	return sampler.TemperatureMetrics{SystemTemperatureC: 41}
}

type fakeGPU struct {
	calls atomic.Int64
	err   error
}

func (g *fakeGPU) Sample() (sampler.GPUMetrics, error) {
	g.calls.Add(1)
	if g.err != nil {
		return sampler.GPUMetrics{}, g.err
	}
	return sampler.GPUMetrics{CardID: "card0", UsagePercent: 50, PowerW: 120, TemperatureC: 60}, nil
}

// fakeInventory records calls. When gate is non-nil every List call blocks
// until the gate is closed. delay is added to every List call.
type fakeInventory struct {
	mu         sync.Mutex
	containers []workload.Container
	listErr    error
	gate       chan struct{}
	delay      time.Duration
	actions    []string
	actionOK   bool

	lists atomic.Int64
}

func (f *fakeInventory) List(ctx context.Context) ([]workload.Container, error) {
	f.lists.Add(1)
	f.mu.Lock()
	gate := f.gate
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]workload.Container, len(f.containers))
	copy(out, f.containers)
	return out, nil
}

func (f *fakeInventory) setList(containers []workload.Container, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = containers
	f.listErr = err
}

func (f *fakeInventory) record(action, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action+" "+id)
	return f.actionOK
}

func (f *fakeInventory) Start(_ context.Context, id string) bool   { return f.record("start", id) }
func (f *fakeInventory) Stop(_ context.Context, id string) bool    { return f.record("stop", id) }
func (f *fakeInventory) Restart(_ context.Context, id string) bool { return f.record("restart", id) }

func (f *fakeInventory) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

var errSendFailed = errors.New("send failed")

type fakeClient struct {
	id   uint64
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeClient) ID() uint64 { return c.id }

func (c *fakeClient) Send(frame []byte) error {
	if c.fail {
		return errSendFailed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeClient) snapshots(t *testing.T) []api.Snapshot {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Snapshot, 0, len(c.frames))
	for _, frame := range c.frames {
		var snap api.Snapshot
		if err := json.Unmarshal(frame, &snap); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, snap)
	}
	return out
}

func (c *fakeClient) rawFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}
