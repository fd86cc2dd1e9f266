package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

// Sensor keys preferred as the representative system temperature, in order.
var preferredSensorPrefixes = []string{
	"coretemp_package_id",
	"k10temp_tctl",
	"k10temp_tdie",
	"cpu_thermal",
	"acpitz",
}

// HostReader samples CPU, memory and temperature. Failed reads return the last
// known value instead of an error.
type HostReader struct {
	logger *slog.Logger

	cpuPercent    func(ctx context.Context) ([]float64, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	temperatures  func(ctx context.Context) ([]sensors.TemperatureStat, error)

	mu       sync.Mutex
	lastCPU  CPUMetrics
	lastMem  MemoryMetrics
	lastTemp TemperatureMetrics
}

// NewHostReader builds a HostReader backed by gopsutil.
func NewHostReader(logger *slog.Logger) *HostReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostReader{
		logger: logger,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			// A zero interval compares against the previous call and never blocks.
			return cpu.PercentWithContext(ctx, 0, false)
		},
		virtualMemory: mem.VirtualMemoryWithContext,
		temperatures:  sensors.TemperaturesWithContext,
	}
}

// CPU returns aggregate CPU utilisation since the previous call.
func (h *HostReader) CPU() CPUMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	values, err := h.cpuPercent(context.Background())
	if err != nil || len(values) == 0 {
		h.logger.Debug("cpu read failed", "err", errOrEmpty(err))
		return h.lastCPU
	}
	h.lastCPU = CPUMetrics{UsagePercent: round2(values[0])}
	return h.lastCPU
}

// Memory returns used, available and total memory in kilobytes.
func (h *HostReader) Memory() MemoryMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	stat, err := h.virtualMemory(context.Background())
	if err != nil || stat == nil {
		h.logger.Debug("memory read failed", "err", errOrEmpty(err))
		return h.lastMem
	}
	h.lastMem = MemoryMetrics{
		UsedKB:      stat.Used / 1024,
		AvailableKB: stat.Available / 1024,
		TotalKB:     stat.Total / 1024,
	}
	return h.lastMem
}

// Temperature returns the representative system temperature.
func (h *HostReader) Temperature() TemperatureMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	// gopsutil returns partial results alongside a warnings error.
	stats, err := h.temperatures(context.Background())
	value, ok := pickSystemTemperature(stats)
	if !ok {
		h.logger.Debug("temperature read failed", "err", errOrEmpty(err))
		return h.lastTemp
	}
	h.lastTemp = TemperatureMetrics{SystemTemperatureC: round2(value)}
	return h.lastTemp
}

func pickSystemTemperature(stats []sensors.TemperatureStat) (float64, bool) {
	for _, prefix := range preferredSensorPrefixes {
		for _, stat := range stats {
			if strings.HasPrefix(strings.ToLower(stat.SensorKey), prefix) && stat.Temperature > 0 {
				return stat.Temperature, true
			}
		}
	}

	var (
		hottest float64
		found   bool
	)
	for _, stat := range stats {
		if stat.Temperature > 0 && stat.Temperature > hottest {
			hottest = stat.Temperature
			found = true
		}
	}
	return hottest, found
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func errOrEmpty(err error) error {
	if err == nil {
		return fmt.Errorf("empty result")
	}
	return err
}
