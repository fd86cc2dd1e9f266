// Package config loads runtime configuration from an optional TOML file and
// APP_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigFile names the environment variable pointing at a TOML file.
const EnvConfigFile = "APP_CONFIG_FILE"

// Config represents runtime configuration.
type Config struct {
	Host             string
	Port             int
	SampleInterval   time.Duration
	KeepEvents       int
	AllowedOrigins   []string
	DefaultGPU       string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	DebugfsRoot      string
	StaticRoot       string
	WS               WebsocketConfig
	Inventory        InventoryConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	SuspendGrace time.Duration
}

// InventoryConfig controls workload inventory polling.
type InventoryConfig struct {
	DockerBinary  string
	Interval      time.Duration
	SlowThreshold time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           8080,
		SampleInterval: time.Second,
		KeepEvents:     60,
		DefaultGPU:     "auto",
		LogLevel:       slog.LevelInfo,
		SysfsRoot:      "/sys",
		DebugfsRoot:    "/sys/kernel/debug",
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			PingInterval: 5 * time.Second,
			SuspendGrace: 15 * time.Second,
		},
		Inventory: InventoryConfig{
			DockerBinary:  "docker",
			Interval:      30 * time.Second,
			SlowThreshold: 5 * time.Second,
		},
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks values that may have been overridden after Load.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be within 1-65535, got %d", c.Port)
	}
	if c.KeepEvents <= 0 {
		return fmt.Errorf("keep events must be > 0")
	}
	return nil
}

// Load builds the configuration from defaults, then the TOML file at path
// (or $APP_CONFIG_FILE when path is empty), then the environment.
func Load(path string) (Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}

	values := map[string]string{}
	if path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		values = fileValues
	}
	for _, key := range knownKeys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			values[key] = value
		}
	}

	cfg, err := parse(values)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var knownKeys = []string{
	"APP_HOST",
	"APP_PORT",
	"APP_SAMPLE_INTERVAL",
	"APP_KEEP_EVENTS",
	"APP_INVENTORY_INTERVAL",
	"APP_INVENTORY_SLOW_THRESHOLD",
	"APP_SUSPEND_GRACE",
	"APP_PING_INTERVAL",
	"APP_ALLOWED_ORIGINS",
	"APP_DEFAULT_GPU",
	"APP_ENABLE_PROMETHEUS",
	"APP_ENABLE_PPROF",
	"APP_LOG_LEVEL",
	"APP_SYSFS_ROOT",
	"APP_DEBUGFS_ROOT",
	"APP_STATIC_ROOT",
	"APP_WS_MAX_CLIENTS",
	"APP_WS_WRITE_TIMEOUT",
	"APP_DOCKER_BINARY",
}

// readFile decodes a flat TOML document whose keys are the environment
// variable names in lower case without the APP_ prefix, e.g. keep_events = 120.
func readFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	allowed := make(map[string]struct{}, len(knownKeys))
	for _, key := range knownKeys {
		allowed[key] = struct{}{}
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(map[string]string, len(raw))
	for _, name := range names {
		key := "APP_" + strings.ToUpper(name)
		if _, ok := allowed[key]; !ok {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, name)
		}
		value, err := stringify(raw[name])
		if err != nil {
			return nil, fmt.Errorf("config file %s: key %q: %w", path, name, err)
		}
		values[key] = value
	}
	return values, nil
}

func stringify(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("expected a list of strings")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func parse(values map[string]string) (Config, error) {
	cfg := Default()
	var err error

	if value, ok := values["APP_HOST"]; ok {
		cfg.Host = value
	}

	if value, ok := values["APP_PORT"]; ok {
		port, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PORT: %w", err)
		}
		if port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("APP_PORT must be within 1-65535")
		}
		cfg.Port = port
	}

	if cfg.SampleInterval, err = durationValue(values, "APP_SAMPLE_INTERVAL", cfg.SampleInterval); err != nil {
		return Config{}, err
	}

	if cfg.KeepEvents, err = positiveInt(values, "APP_KEEP_EVENTS", cfg.KeepEvents); err != nil {
		return Config{}, err
	}

	if cfg.Inventory.Interval, err = durationValue(values, "APP_INVENTORY_INTERVAL", cfg.Inventory.Interval); err != nil {
		return Config{}, err
	}

	if cfg.Inventory.SlowThreshold, err = durationValue(values, "APP_INVENTORY_SLOW_THRESHOLD", cfg.Inventory.SlowThreshold); err != nil {
		return Config{}, err
	}

	if cfg.WS.SuspendGrace, err = durationValue(values, "APP_SUSPEND_GRACE", cfg.WS.SuspendGrace); err != nil {
		return Config{}, err
	}

	if cfg.WS.PingInterval, err = durationValue(values, "APP_PING_INTERVAL", cfg.WS.PingInterval); err != nil {
		return Config{}, err
	}

	if value, ok := values["APP_ALLOWED_ORIGINS"]; ok {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value, ok := values["APP_DEFAULT_GPU"]; ok {
		cfg.DefaultGPU = value
	}

	if cfg.EnablePrometheus, err = boolValue(values, "APP_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}

	if cfg.EnablePprof, err = boolValue(values, "APP_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value, ok := values["APP_LOG_LEVEL"]; ok {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value, ok := values["APP_SYSFS_ROOT"]; ok {
		cfg.SysfsRoot = value
	}

	if value, ok := values["APP_DEBUGFS_ROOT"]; ok {
		cfg.DebugfsRoot = value
	}

	if value, ok := values["APP_STATIC_ROOT"]; ok {
		cfg.StaticRoot = value
	}

	if cfg.WS.MaxClients, err = positiveInt(values, "APP_WS_MAX_CLIENTS", cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}

	if cfg.WS.WriteTimeout, err = durationValue(values, "APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}

	if value, ok := values["APP_DOCKER_BINARY"]; ok {
		cfg.Inventory.DockerBinary = value
	}

	return cfg, nil
}

func durationValue(values map[string]string, key string, fallback time.Duration) (time.Duration, error) {
	value, ok := values[key]
	if !ok {
		return fallback, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}

func positiveInt(values map[string]string, key string, fallback int) (int, error) {
	value, ok := values[key]
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func boolValue(values map[string]string, key string, fallback bool) (bool, error) {
	value, ok := values[key]
	if !ok {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
