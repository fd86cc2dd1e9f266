// Package workload lists and controls containers through the docker CLI.
package workload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrInvalidID is returned for container ids that could be parsed as CLI flags.
var ErrInvalidID = errors.New("invalid workload id")

// Container is the last known state of one container.
type Container struct {
	ID      string `json:"id"`
	Image   string `json:"image"`
	Command string `json:"command"`
	Created string `json:"created"`
	Status  string `json:"status"`
	Ports   string `json:"ports"`
	Name    string `json:"name"`
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
}

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Docker is the docker CLI backed inventory.
type Docker struct {
	binary string
	runner Runner
	logger *slog.Logger
}

// NewDocker builds a Docker inventory. An empty binary defaults to "docker"
// and a nil runner to ExecRunner.
func NewDocker(binary string, runner Runner, logger *slog.Logger) *Docker {
	if binary == "" {
		binary = "docker"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		binary: binary,
		runner: runner,
		logger: logger,
	}
}

type psRow struct {
	ID        string `json:"ID"`
	Image     string `json:"Image"`
	Command   string `json:"Command"`
	CreatedAt string `json:"CreatedAt"`
	Status    string `json:"Status"`
	Ports     string `json:"Ports"`
	Names     string `json:"Names"`
}

type statsRow struct {
	ID       string `json:"ID"`
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
}

// List returns every container known to docker, running or not. Resource
// usage is filled in for running containers when `docker stats` succeeds.
func (d *Docker) List(ctx context.Context) ([]Container, error) {
	out, err := d.runner.Run(ctx, d.binary, "ps", "--all", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}

	rows, err := decodeLines[psRow](out)
	if err != nil {
		return nil, fmt.Errorf("decode docker ps: %w", err)
	}

	containers := make([]Container, 0, len(rows))
	for _, row := range rows {
		containers = append(containers, Container{
			ID:      row.ID,
			Image:   row.Image,
			Command: strings.Trim(row.Command, `"`),
			Created: row.CreatedAt,
			Status:  row.Status,
			Ports:   row.Ports,
			Name:    primaryName(row.Names),
		})
	}

	if len(containers) == 0 {
		return containers, nil
	}

	stats, err := d.stats(ctx)
	if err != nil {
		d.logger.Warn("docker stats failed", "err", err)
		return containers, nil
	}
	for i := range containers {
		if usage, ok := stats[containers[i].ID]; ok {
			containers[i].CPU = usage.CPUPerc
			containers[i].Memory = usage.MemUsage
		}
	}
	return containers, nil
}

func (d *Docker) stats(ctx context.Context) (map[string]statsRow, error) {
	out, err := d.runner.Run(ctx, d.binary, "stats", "--no-stream", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	rows, err := decodeLines[statsRow](out)
	if err != nil {
		return nil, fmt.Errorf("decode docker stats: %w", err)
	}
	byID := make(map[string]statsRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	return byID, nil
}

// Start starts the container and reports whether docker accepted the request.
func (d *Docker) Start(ctx context.Context, id string) bool {
	return d.action(ctx, "start", id)
}

// Stop stops the container.
func (d *Docker) Stop(ctx context.Context, id string) bool {
	return d.action(ctx, "stop", id)
}

// Restart restarts the container.
func (d *Docker) Restart(ctx context.Context, id string) bool {
	return d.action(ctx, "restart", id)
}

func (d *Docker) action(ctx context.Context, verb, id string) bool {
	logger := d.logger.With("action", verb, "workload_id", id)
	if err := validateID(id); err != nil {
		logger.Warn("workload action rejected", "err", err)
		return false
	}
	if _, err := d.runner.Run(ctx, d.binary, verb, id); err != nil {
		logger.Warn("workload action failed", "err", err)
		return false
	}
	logger.Info("workload action complete")
	return true
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || trimmed != id || strings.HasPrefix(id, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func primaryName(names string) string {
	if idx := strings.IndexByte(names, ','); idx >= 0 {
		return names[:idx]
	}
	return names
}

func decodeLines[T any](data []byte) ([]T, error) {
	var out []T
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
