// Package sampler reads point-in-time hardware telemetry: GPU metrics from
// amdgpu sysfs/debugfs, and host CPU, memory and temperature via gopsutil.
package sampler

// GPUMetrics is a single GPU reading.
type GPUMetrics struct {
	CardID       string  `json:"card,omitempty"`
	Name         string  `json:"name,omitempty"`
	UsagePercent float64 `json:"usagePercent"`
	PowerW       float64 `json:"powerW"`
	TemperatureC float64 `json:"temperatureC"`
}

// CPUMetrics holds aggregate CPU utilisation across all cores.
type CPUMetrics struct {
	UsagePercent float64 `json:"usagePercent"`
}

// MemoryMetrics reports system memory in kilobytes.
type MemoryMetrics struct {
	UsedKB      uint64 `json:"usedKB"`
	AvailableKB uint64 `json:"availableKB"`
	TotalKB     uint64 `json:"totalKB"`
}

// TemperatureMetrics reports the representative system temperature.
type TemperatureMetrics struct {
	SystemTemperatureC float64 `json:"systemTemperatureC"`
}
