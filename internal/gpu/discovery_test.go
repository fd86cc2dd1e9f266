package gpu

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaypipes/pcidb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeResolver() *nameResolver {
	db := &pcidb.PCIDB{
		Products: map[string]*pcidb.Product{
			"100273bf": {
				VendorID: "1002",
				ID:       "73bf",
				Name:     "Navi 21 [Radeon RX 6800/6800 XT / 6900 XT]",
				Subsystems: []*pcidb.Product{
					{VendorID: "1849", ID: "5201", Name: "RX 6800 XT Phantom Gaming"},
				},
			},
		},
	}
	return newNameResolver(func() (*pcidb.PCIDB, error) { return db, nil })
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	drm := filepath.Join(root, "class", "drm")

	card1 := filepath.Join(drm, "card1", "device")
	writeFile(t, filepath.Join(card1, "uevent"), "DRIVER=amdgpu\nPCI_ID=1002:73BF\nPCI_SUBSYS_ID=1849:5201\nPCI_SLOT_NAME=0000:0a:00.0\n")
	mkdir(t, filepath.Join(card1, "drm", "renderD129"))

	card0 := filepath.Join(drm, "card0", "device")
	writeFile(t, filepath.Join(card0, "uevent"), "DRIVER=i915\nPCI_SLOT_NAME=0000:00:02.0\n")
	writeFile(t, filepath.Join(card0, "vendor"), "0x8086\n")
	writeFile(t, filepath.Join(card0, "device"), "0x4680\n")
	mkdir(t, filepath.Join(card0, "drm", "renderD128"))

	// Connector entries and unrelated nodes are skipped.
	mkdir(t, filepath.Join(drm, "card1-DP-1"))
	mkdir(t, filepath.Join(drm, "renderD128"))
	writeFile(t, filepath.Join(drm, "version"), "drm 1.1.0\n")

	cards, err := discover(root, fakeResolver(), discardLogger())
	if err != nil {
		t.Fatalf("discover returned error: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %+v", cards)
	}

	if cards[0].ID != "card0" || cards[0].Index != 0 {
		t.Fatalf("expected card0 first, got %+v", cards[0])
	}
	if cards[0].PCIID != "8086:4680" {
		t.Errorf("expected PCI id from vendor/device files, got %q", cards[0].PCIID)
	}
	if cards[0].Name != "i915" {
		t.Errorf("expected driver name fallback, got %q", cards[0].Name)
	}
	if cards[0].RenderNode != "/dev/dri/renderD128" {
		t.Errorf("unexpected render node %q", cards[0].RenderNode)
	}

	if cards[1].ID != "card1" || cards[1].Driver != "amdgpu" {
		t.Fatalf("unexpected second card %+v", cards[1])
	}
	if cards[1].PCI != "0000:0a:00.0" {
		t.Errorf("unexpected PCI slot %q", cards[1].PCI)
	}
	if cards[1].Name != "RX 6800 XT Phantom Gaming" {
		t.Errorf("expected subsystem name from pci database, got %q", cards[1].Name)
	}
	if cards[1].RenderNode != "/dev/dri/renderD129" {
		t.Errorf("unexpected render node %q", cards[1].RenderNode)
	}
}

func TestDiscoverMissingDRMClass(t *testing.T) {
	t.Parallel()

	cards, err := discover(t.TempDir(), fakeResolver(), discardLogger())
	if err != nil {
		t.Fatalf("discover returned error: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("expected no cards, got %d", len(cards))
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	classPath := filepath.Join(root, "class", "drm")
	mkdir(t, classPath)

	target := filepath.Join(root, "devices", "pci0000:00", "0000:00:01.0", "drm", "card0")
	deviceDir := filepath.Join(target, "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"), "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:00:01.0\nPCI_ID=1002:73bf\n")
	mkdir(t, filepath.Join(deviceDir, "drm", "renderD128"))

	relTarget, err := filepath.Rel(classPath, target)
	if err != nil {
		t.Fatalf("filepath.Rel: %v", err)
	}
	if err := os.Symlink(relTarget, filepath.Join(classPath, "card0")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	cards, err := discover(root, fakeResolver(), discardLogger())
	if err != nil {
		t.Fatalf("discover returned error: %v", err)
	}
	if len(cards) != 1 || cards[0].ID != "card0" {
		t.Fatalf("expected symlinked card, got %+v", cards)
	}
	if cards[0].Name != "Navi 21 [Radeon RX 6800/6800 XT / 6900 XT]" {
		t.Fatalf("expected product name without subsystem match, got %q", cards[0].Name)
	}
}

func TestNameResolverLoadFailure(t *testing.T) {
	t.Parallel()

	r := newNameResolver(func() (*pcidb.PCIDB, error) { return nil, errors.New("no pci.ids") })
	if got := r.lookup("1002", "73bf", "", ""); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	cards := []Card{
		{ID: "card0", Driver: "i915"},
		{ID: "card1", Driver: "amdgpu"},
		{ID: "card2", Driver: "amdgpu"},
	}

	got, err := Select(cards, "auto")
	if err != nil || got.ID != "card1" {
		t.Fatalf("auto should pick first amdgpu card, got %+v err=%v", got, err)
	}

	got, err = Select(cards, "card2")
	if err != nil || got.ID != "card2" {
		t.Fatalf("explicit id failed, got %+v err=%v", got, err)
	}

	if _, err := Select(cards, "card9"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}

	if _, err := Select(nil, "auto"); !errors.Is(err, ErrNoCards) {
		t.Fatalf("expected ErrNoCards, got %v", err)
	}

	got, err = Select(cards[:1], "")
	if err != nil || got.ID != "card0" {
		t.Fatalf("auto without amdgpu should fall back to first card, got %+v err=%v", got, err)
	}
}

func TestNormalizePCIID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0x1002": "1002",
		"73BF":   "73bf",
		"0X1a":   "001a",
		" ":      "",
	}
	for in, want := range cases {
		if got := normalizePCIID(in); got != want {
			t.Errorf("normalizePCIID(%q) = %q, want %q", in, got, want)
		}
	}
}
