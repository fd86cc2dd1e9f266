// Command probe takes one reading from every source the dashboard uses and
// prints it, for checking a host before running the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/sysdash-web/internal/api"
	"github.com/skobkin/sysdash-web/internal/config"
	"github.com/skobkin/sysdash-web/internal/gpu"
	"github.com/skobkin/sysdash-web/internal/sampler"
	"github.com/skobkin/sysdash-web/internal/workload"
)

type report struct {
	GPUs     []gpu.Card   `json:"gpus"`
	Snapshot api.Snapshot `json:"snapshot"`
	Errors   []string     `json:"errors,omitempty"`
}

func main() {
	defaults := config.Default()

	flags := pflag.NewFlagSet("probe", pflag.ExitOnError)
	sysfsRoot := flags.String("sysfs", envOrDefault("APP_SYSFS_ROOT", defaults.SysfsRoot), "path to sysfs root")
	debugfsRoot := flags.String("debugfs", envOrDefault("APP_DEBUGFS_ROOT", defaults.DebugfsRoot), "path to debugfs root")
	gpuID := flags.String("gpu", envOrDefault("APP_DEFAULT_GPU", defaults.DefaultGPU), "card to sample, or auto")
	dockerBinary := flags.String("docker", envOrDefault("APP_DOCKER_BINARY", defaults.Inventory.DockerBinary), "docker CLI path")
	skipInventory := flags.Bool("no-inventory", false, "skip listing workloads")
	timeout := flags.Duration("timeout", 15*time.Second, "overall deadline for external commands")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	_ = flags.Parse(os.Args[1:])

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var out report
	cards, err := gpu.Discover(*sysfsRoot, logger.With("component", "gpu_discovery"))
	if err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("gpu discovery: %v", err))
	}
	out.GPUs = cards

	out.Snapshot = api.Snapshot{
		Timestamp:  time.Now().UTC(),
		KeepEvents: defaults.KeepEvents,
		Inventory:  []workload.Container{},
	}

	if card, err := gpu.Select(cards, *gpuID); err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("gpu select: %v", err))
	} else if reader, err := sampler.NewGPUReader(card.ID, card.Name, *sysfsRoot, *debugfsRoot, logger); err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("gpu reader: %v", err))
	} else if metrics, err := reader.Sample(); err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("gpu sample: %v", err))
	} else {
		out.Snapshot.GPU = &metrics
	}

	host := sampler.NewHostReader(logger.With("component", "host_reader"))
	out.Snapshot.CPU = host.CPU()
	out.Snapshot.Memory = host.Memory()
	out.Snapshot.Temperature = host.Temperature()

	if !*skipInventory {
		docker := workload.NewDocker(*dockerBinary, nil, logger.With("component", "docker"))
		containers, err := docker.List(ctx)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("workload list: %v", err))
		} else {
			out.Snapshot.Inventory = containers
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("encode report", "err", err)
		os.Exit(1)
	}
	if len(out.Errors) > 0 {
		os.Exit(2)
	}
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
