// Package gpu enumerates DRM cards exposed through sysfs.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	drmClassPath = "class/drm"

	// AutoSelect picks the first amdgpu card, or the first card of any driver.
	AutoSelect = "auto"
)

var (
	// ErrNoCards is returned by Select when discovery found nothing.
	ErrNoCards = errors.New("no gpu cards found")
	// ErrCardNotFound is returned by Select for an unknown card id.
	ErrCardNotFound = errors.New("gpu card not found")
)

// Card describes a single DRM card.
type Card struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	PCI        string `json:"pci"`
	PCIID      string `json:"pci_id"`
	Driver     string `json:"driver"`
	Name       string `json:"name"`
	RenderNode string `json:"render_node"`
}

// Discover enumerates DRM cards under the sysfs root, ordered by card index.
// A missing drm class directory yields no cards and no error.
func Discover(root string, logger *slog.Logger) ([]Card, error) {
	return discover(root, defaultResolver, logger)
}

// Select returns the card with the given id, or applies AutoSelect when id
// is empty or "auto".
func Select(cards []Card, id string) (Card, error) {
	if len(cards) == 0 {
		return Card{}, ErrNoCards
	}

	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, AutoSelect) {
		for _, card := range cards {
			if card.Driver == "amdgpu" {
				return card, nil
			}
		}
		return cards[0], nil
	}

	for _, card := range cards {
		if card.ID == id {
			return card, nil
		}
	}
	return Card{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
}

func discover(root string, names *nameResolver, logger *slog.Logger) ([]Card, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var cards []Card
	for _, entry := range entries {
		name := entry.Name()
		index, ok := cardIndex(name)
		if !ok {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}

		card, err := readCard(cardRoot, names)
		if closeErr := cardRoot.Close(); closeErr != nil {
			logger.Debug("failed to close card root", "card", name, "err", closeErr)
		}
		if err != nil {
			logger.Warn("failed to read card", "card", name, "err", err)
			continue
		}
		card.ID = name
		card.Index = index
		cards = append(cards, card)
	}

	sort.Slice(cards, func(i, j int) bool {
		return cards[i].Index < cards[j].Index
	})
	return cards, nil
}

// cardIndex accepts "card<N>" and rejects connector entries like card0-DP-1.
func cardIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "card")
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return index, true
}

func readCard(cardRoot *os.Root, names *nameResolver) (Card, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return Card{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	var (
		card      Card
		subVendor string
		subDevice string
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		fields := parseUevent(string(data))
		card.PCI = fields["PCI_SLOT_NAME"]
		card.PCIID = fields["PCI_ID"]
		card.Driver = fields["DRIVER"]
		card.Name = fields["PCI_ID_NAME"]
		if vendor, device, ok := strings.Cut(fields["PCI_SUBSYS_ID"], ":"); ok {
			subVendor, subDevice = vendor, device
		}
	}

	if card.PCIID == "" {
		vendor, vendorErr := readTrim(deviceRoot, "vendor")
		device, deviceErr := readTrim(deviceRoot, "device")
		if vendorErr == nil && deviceErr == nil {
			card.PCIID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
		}
	}
	if card.Name == "" {
		card.Name, _ = readTrim(deviceRoot, "product_name")
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorID, deviceID, _ := strings.Cut(card.PCIID, ":")
	if resolved := names.lookup(vendorID, deviceID, subVendor, subDevice); preferResolved(card.Name, resolved) {
		card.Name = resolved
	}
	if card.Name == "" {
		card.Name = card.Driver
	}

	card.RenderNode = renderNode(deviceRoot)
	return card, nil
}

func renderNode(deviceRoot *os.Root) string {
	entries, err := fs.ReadDir(deviceRoot.FS(), "drm")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return "/dev/dri/" + entry.Name()
		}
	}
	return ""
}

func parseUevent(data string) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return fields
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
