package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

func TestHostReaderConvertsUnits(t *testing.T) {
	t.Parallel()

	reader := NewHostReader(discardLogger())
	reader.cpuPercent = func(context.Context) ([]float64, error) { return []float64{12.3456}, nil }
	reader.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 8 << 30, Available: 6 << 30, Used: 2 << 30}, nil
	}
	reader.temperatures = func(context.Context) ([]sensors.TemperatureStat, error) {
		return []sensors.TemperatureStat{
			{SensorKey: "nvme_composite", Temperature: 80},
			{SensorKey: "k10temp_tctl", Temperature: 55.5},
		}, nil
	}

	if got := reader.CPU().UsagePercent; got != 12.35 {
		t.Fatalf("unexpected cpu usage %v", got)
	}

	memory := reader.Memory()
	if memory.TotalKB != 8<<20 || memory.AvailableKB != 6<<20 || memory.UsedKB != 2<<20 {
		t.Fatalf("unexpected memory %+v", memory)
	}

	if got := reader.Temperature().SystemTemperatureC; got != 55.5 {
		t.Fatalf("expected preferred sensor, got %v", got)
	}
}

func TestHostReaderFallsBackToLastKnown(t *testing.T) {
	t.Parallel()

	reader := NewHostReader(discardLogger())
	fail := false
	reader.cpuPercent = func(context.Context) ([]float64, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []float64{40}, nil
	}
	reader.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &mem.VirtualMemoryStat{Total: 4096, Available: 2048, Used: 1024}, nil
	}
	reader.temperatures = func(context.Context) ([]sensors.TemperatureStat, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []sensors.TemperatureStat{{SensorKey: "mystery", Temperature: 42}}, nil
	}

	firstCPU, firstMem, firstTemp := reader.CPU(), reader.Memory(), reader.Temperature()
	fail = true

	if got := reader.CPU(); got != firstCPU {
		t.Fatalf("cpu fallback mismatch: %+v vs %+v", got, firstCPU)
	}
	if got := reader.Memory(); got != firstMem {
		t.Fatalf("memory fallback mismatch: %+v vs %+v", got, firstMem)
	}
	if got := reader.Temperature(); got != firstTemp || got.SystemTemperatureC != 42 {
		t.Fatalf("temperature fallback mismatch: %+v vs %+v", got, firstTemp)
	}
}

func TestPickSystemTemperatureUsesHottestWithoutPreferredSensor(t *testing.T) {
	t.Parallel()

	value, ok := pickSystemTemperature([]sensors.TemperatureStat{
		{SensorKey: "a", Temperature: 31},
		{SensorKey: "b", Temperature: 47},
		{SensorKey: "c", Temperature: 0},
	})
	if !ok || value != 47 {
		t.Fatalf("expected 47, got %v (ok=%v)", value, ok)
	}

	if _, ok := pickSystemTemperature(nil); ok {
		t.Fatalf("expected no reading for empty sensor list")
	}
}
