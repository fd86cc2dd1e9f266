package sampler

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

const (
	drmClassPath          = "class/drm"
	gpuBusyFilename       = "gpu_busy_percent"
	debugPmInfoFilename   = "amdgpu_pm_info"
	hwmonTempFile         = "temp1_input"
	hwmonPowerAverageFile = "power1_average"
	hwmonPowerInputFile   = "power1_input"
)

// ErrGPUUnavailable reports that the GPU device is gone and will not come back.
// Callers stop sampling the GPU after receiving it.
var ErrGPUUnavailable = errors.New("gpu unavailable")

// GPUReader fetches usage, power and temperature for a single amdgpu card.
type GPUReader struct {
	cardID       string
	name         string
	devicePath   string
	debugCardDir string
	hwmonPath    string
	logger       *slog.Logger

	mu   sync.Mutex
	last GPUMetrics
	seen bool
}

// NewGPUReader constructs a GPUReader for the provided card identifier (e.g. "card0").
func NewGPUReader(cardID, name, sysfsRoot, debugfsRoot string, logger *slog.Logger) (*GPUReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cardIndex, err := parseCardIndex(cardID)
	if err != nil {
		return nil, err
	}

	devicePath := filepath.Join(sysfsRoot, drmClassPath, cardID, "device")
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("stat device path: %w", err)
	}

	return &GPUReader{
		cardID:       cardID,
		name:         name,
		devicePath:   devicePath,
		debugCardDir: filepath.Join(debugfsRoot, "dri", strconv.Itoa(cardIndex)),
		hwmonPath:    detectHwmon(devicePath),
		logger:       logger.With("card", cardID),
	}, nil
}

// Sample reads the current GPU metrics. Values that cannot be read this time
// fall back to the last known reading. ErrGPUUnavailable is returned once the
// device disappears from sysfs.
func (r *GPUReader) Sample() (GPUMetrics, error) {
	if _, err := os.Stat(r.devicePath); err != nil {
		return GPUMetrics{}, fmt.Errorf("%w: %s: %v", ErrGPUUnavailable, r.cardID, err)
	}

	usage := r.readPercent(filepath.Join(r.devicePath, gpuBusyFilename))
	var power, temp *float64
	if r.hwmonPath != "" {
		temp = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonTempFile), 1000)
		power = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonPowerAverageFile), 1_000_000)
		if power == nil {
			power = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonPowerInputFile), 1_000_000)
		}
	}

	if usage == nil || power == nil || temp == nil {
		info := r.readDebugFSInfo()
		if usage == nil {
			usage = info.gpuLoad
		}
		if power == nil {
			power = info.powerW
		}
		if temp == nil {
			temp = info.tempC
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if usage == nil && power == nil && temp == nil && !r.seen {
		return GPUMetrics{}, fmt.Errorf("no gpu metrics readable for %s", r.cardID)
	}

	metrics := r.last
	metrics.CardID = r.cardID
	metrics.Name = r.name
	if usage != nil {
		metrics.UsagePercent = *usage
	}
	if power != nil {
		metrics.PowerW = *power
	}
	if temp != nil {
		metrics.TemperatureC = *temp
	}
	r.last = metrics
	r.seen = true
	return metrics, nil
}

func (r *GPUReader) readPercent(path string) *float64 {
	value, err := readFloatValue(path)
	if err != nil {
		return nil
	}
	if value < 0 {
		return nil
	}
	if value > 100 {
		// Some kernels report busy % scaled by 100.
		value = clamp(value/100, 0, 100)
	}
	return &value
}

func (r *GPUReader) readScaledFloat(path string, divisor float64) *float64 {
	value, err := readFloatValue(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("failed to read gpu value", "path", path, "err", err)
		}
		return nil
	}
	scaled := value / divisor
	return &scaled
}

func readFloatValue(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" {
		return 0, fmt.Errorf("empty value")
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return value, nil
}

type debugInfo struct {
	gpuLoad *float64
	tempC   *float64
	powerW  *float64
}

func (r *GPUReader) readDebugFSInfo() debugInfo {
	data, err := os.ReadFile(filepath.Join(r.debugCardDir, debugPmInfoFilename))
	if err != nil {
		return debugInfo{}
	}

	info := debugInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		val, ok := extractFirstFloat(line)
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(lower, "gpu load"):
			info.gpuLoad = &val
		case strings.HasPrefix(lower, "gpu temperature"):
			info.tempC = &val
		case strings.HasPrefix(lower, "gpu power"), strings.HasPrefix(lower, "power:"):
			info.powerW = &val
		case strings.Contains(lower, "gpu load"):
			if info.gpuLoad == nil {
				info.gpuLoad = &val
			}
		}
	}

	return info
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func parseCardIndex(cardID string) (int, error) {
	if !strings.HasPrefix(cardID, "card") {
		return 0, fmt.Errorf("invalid card id %q", cardID)
	}
	index, err := strconv.Atoi(cardID[len("card"):])
	if err != nil {
		return 0, fmt.Errorf("parse card index: %w", err)
	}
	return index, nil
}

func extractFirstFloat(line string) (float64, bool) {
	var buf strings.Builder
	var seen bool
	for _, r := range line {
		if unicode.IsDigit(r) || r == '.' || (r == '-' && !seen) {
			buf.WriteRune(r)
			seen = true
			continue
		}
		if seen {
			// Thousands separators.
			if r == ',' {
				continue
			}
			break
		}
	}
	if !seen {
		return 0, false
	}
	value, err := strconv.ParseFloat(buf.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}
