// Package api defines the JSON frames exchanged over the streaming endpoint.
package api

import (
	"time"

	"github.com/skobkin/sysdash-web/internal/sampler"
	"github.com/skobkin/sysdash-web/internal/workload"
)

// Snapshot is one merged metrics and inventory observation. It is built once
// per sampling tick and never modified afterwards.
type Snapshot struct {
	Timestamp       time.Time                  `json:"ts"`
	GPU             *sampler.GPUMetrics        `json:"gpu,omitempty"`
	CPU             sampler.CPUMetrics         `json:"cpu"`
	Temperature     sampler.TemperatureMetrics `json:"temperature"`
	Memory          sampler.MemoryMetrics      `json:"memory"`
	Inventory       []workload.Container       `json:"inventory"`
	KeepEvents      int                        `json:"keepEvents"`
	NextPollSeconds int                        `json:"nextPollSeconds"`
}

// Recognised client commands.
const (
	CommandWorkloadStart   = "workload-start"
	CommandWorkloadStop    = "workload-stop"
	CommandWorkloadRestart = "workload-restart"
)

// Command is an inbound client request to act on a workload.
type Command struct {
	Command string `json:"command"`
	ID      string `json:"id"`
}

// Valid reports whether the command has a recognised verb and a non-empty id.
func (c Command) Valid() bool {
	if c.ID == "" {
		return false
	}
	switch c.Command {
	case CommandWorkloadStart, CommandWorkloadStop, CommandWorkloadRestart:
		return true
	default:
		return false
	}
}
