package stream

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/sysdash-web/internal/workload"
)

func TestInventoryPollerSkipsTicksWhileInFlight(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{gate: make(chan struct{})}
	poller := NewInventoryPoller(context.Background(), inv, 10*time.Millisecond, 0, discardLogger())
	poller.Start()
	defer poller.Stop()

	waitFor(t, time.Second, func() bool { return inv.lists.Load() == 1 })
	waitFor(t, time.Second, func() bool { return poller.skipped.Load() >= 2 })

	if got := inv.lists.Load(); got != 1 {
		t.Fatalf("expected a single in-flight list call, got %d", got)
	}

	close(inv.gate)
	waitFor(t, time.Second, func() bool { return inv.lists.Load() >= 2 })
}

func TestInventoryPollerResetRunsOnceAfterInFlight(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{gate: make(chan struct{})}
	poller := NewInventoryPoller(context.Background(), inv, time.Hour, 0, discardLogger())

	poller.Reset()
	waitFor(t, time.Second, func() bool { return inv.lists.Load() == 1 })

	poller.Reset()
	poller.Reset()
	close(inv.gate)

	waitFor(t, time.Second, func() bool { return inv.lists.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := inv.lists.Load(); got != 2 {
		t.Fatalf("expected exactly one deferred poll, got %d list calls", got)
	}
	if poller.Active() {
		t.Fatalf("reset on a stopped poller must not start the cadence")
	}
}

func TestInventoryPollerKeepsLastViewOnFailure(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{}
	inv.setList([]workload.Container{
		{ID: "b", Name: "web"},
		{ID: "a", Name: "db"},
	}, nil)

	poller := NewInventoryPoller(context.Background(), inv, time.Hour, 0, discardLogger())
	poller.Reset()
	waitFor(t, time.Second, func() bool { return len(poller.Latest()) == 2 })

	latest := poller.Latest()
	if latest[0].Name != "db" || latest[1].Name != "web" {
		t.Fatalf("expected inventory sorted by name, got %+v", latest)
	}

	inv.setList(nil, errors.New("daemon unreachable"))
	poller.Reset()
	waitFor(t, time.Second, func() bool { return poller.failures.Load() == 1 })

	if got := poller.Latest(); len(got) != 2 {
		t.Fatalf("expected previous inventory to survive a failed poll, got %+v", got)
	}
}

func TestInventoryPollerEmptyBeforeFirstPoll(t *testing.T) {
	t.Parallel()

	poller := NewInventoryPoller(context.Background(), &fakeInventory{}, time.Hour, 0, discardLogger())
	if got := poller.Latest(); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil inventory, got %#v", got)
	}
}

func TestInventoryPollerNextPollSeconds(t *testing.T) {
	t.Parallel()

	poller := NewInventoryPoller(context.Background(), &fakeInventory{}, 30*time.Second, 0, discardLogger())
	if got := poller.NextPollSeconds(time.Now()); got != 0 {
		t.Fatalf("stopped poller should report 0, got %d", got)
	}

	poller.Start()
	defer poller.Stop()

	got := poller.NextPollSeconds(time.Now())
	if got < 29 || got > 30 {
		t.Fatalf("expected about 30 seconds until next poll, got %d", got)
	}

	poller.Stop()
	if got := poller.NextPollSeconds(time.Now()); got != 0 {
		t.Fatalf("expected 0 after stop, got %d", got)
	}
}

func TestInventoryPollerResetRestartsActiveCadence(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{}
	poller := NewInventoryPoller(context.Background(), inv, 2*time.Second, 0, discardLogger())
	poller.Start()
	defer poller.Stop()

	waitFor(t, time.Second, func() bool { return inv.lists.Load() == 1 })
	time.Sleep(1100 * time.Millisecond)
	if got := poller.NextPollSeconds(time.Now()); got != 1 {
		t.Fatalf("expected 1 second until next poll before reset, got %d", got)
	}

	poller.Reset()
	waitFor(t, 500*time.Millisecond, func() bool { return inv.lists.Load() == 2 })
	if got := poller.NextPollSeconds(time.Now()); got != 2 {
		t.Fatalf("expected the cadence to restart from the full interval, got %d", got)
	}
	if !poller.Active() {
		t.Fatalf("reset must keep an active poller running")
	}

	// The tick that was due before the reset must not fire.
	time.Sleep(1200 * time.Millisecond)
	if got := inv.lists.Load(); got != 2 {
		t.Fatalf("expected the pre-reset tick to be cancelled, got %d list calls", got)
	}

	waitFor(t, 2*time.Second, func() bool { return inv.lists.Load() == 3 })
}

func TestInventoryPollerAppliesSlowResult(t *testing.T) {
	t.Parallel()

	var buf lockedBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	inv := &fakeInventory{delay: 40 * time.Millisecond}
	inv.setList([]workload.Container{{ID: "a", Name: "db"}}, nil)

	poller := NewInventoryPoller(context.Background(), inv, time.Hour, 10*time.Millisecond, logger)
	poller.Reset()

	waitFor(t, time.Second, func() bool { return len(poller.Latest()) == 1 })
	if got := poller.failures.Load(); got != 0 {
		t.Fatalf("slow poll must not count as a failure, got %d", got)
	}
	if !strings.Contains(buf.String(), "slow inventory poll") {
		t.Fatalf("expected slow poll warning, got log %q", buf.String())
	}
}

func TestInventoryPollerStartAfterStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{gate: make(chan struct{})}
	poller := NewInventoryPoller(context.Background(), inv, time.Hour, 0, discardLogger())

	poller.Start()
	waitFor(t, time.Second, func() bool { return inv.lists.Load() == 1 })
	poller.Stop()

	poller.Start()
	defer poller.Stop()
	close(inv.gate)

	waitFor(t, time.Second, func() bool { return inv.lists.Load() == 2 })
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
