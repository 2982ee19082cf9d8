// Package config handles loading and validating vizbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for vizbox.
type Config struct {
	// ScratchRoot is the directory under which per-execution scratch
	// directories are created. Default: <os.TempDir()>/vizbox.
	// Override: VIZBOX_SCRATCH_ROOT env var.
	ScratchRoot string `json:"scratch_root,omitempty" yaml:"scratch_root,omitempty"`

	Runner        RunnerConfig         `json:"runner" yaml:"runner"`
	Display       DisplayConfig        `json:"display" yaml:"display"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Sweep         SweepConfig          `json:"sweep" yaml:"sweep"`
}

// RunnerConfig controls process execution.
type RunnerConfig struct {
	Interpreter  string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`       // Default: "python3".
	StopTimeoutS int    `json:"stop_timeout_s,omitempty" yaml:"stop_timeout_s,omitempty"` // Graceful terminate bound. Default: 5.
	MaxOutputKB  int    `json:"max_output_kb,omitempty" yaml:"max_output_kb,omitempty"`   // Output cap per execution. Default: 1024.
}

// StopTimeout returns the graceful-terminate-before-kill bound.
func (r RunnerConfig) StopTimeout() time.Duration {
	if r.StopTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.StopTimeoutS) * time.Second
}

// InterpreterBin returns the interpreter used to run entry files.
func (r RunnerConfig) InterpreterBin() string {
	if r.Interpreter == "" {
		return "python3"
	}
	return r.Interpreter
}

// MaxOutputBytes returns the per-execution output cap in bytes.
func (r RunnerConfig) MaxOutputBytes() int {
	if r.MaxOutputKB <= 0 {
		return 1 << 20 // 1 MB
	}
	return r.MaxOutputKB * 1024
}

// DisplayConfig controls the virtual display and snapshot capture.
type DisplayConfig struct {
	Width             int    `json:"width,omitempty" yaml:"width,omitempty"`                             // Default: 800.
	Height            int    `json:"height,omitempty" yaml:"height,omitempty"`                           // Default: 600.
	SlotMin           int    `json:"slot_min,omitempty" yaml:"slot_min,omitempty"`                       // First display number probed. Default: 99.
	SlotMax           int    `json:"slot_max,omitempty" yaml:"slot_max,omitempty"`                       // Last display number probed. Default: 119.
	SnapshotCap       int    `json:"snapshot_cap,omitempty" yaml:"snapshot_cap,omitempty"`               // Max snapshots per execution. Default: 30.
	CaptureIntervalMS int    `json:"capture_interval_ms,omitempty" yaml:"capture_interval_ms,omitempty"` // Default: 500.
	WarmupMS          int    `json:"warmup_ms,omitempty" yaml:"warmup_ms,omitempty"`                     // Delay before first capture. Default: 2000.
	CaptureTimeoutS   int    `json:"capture_timeout_s,omitempty" yaml:"capture_timeout_s,omitempty"`     // External dump tool bound. Default: 30.
	ServerBinary      string `json:"server_binary,omitempty" yaml:"server_binary,omitempty"`             // Default: "Xvfb".
}

// Dimensions returns the configured canvas size with defaults applied.
func (d DisplayConfig) Dimensions() (int, int) {
	w, h := d.Width, d.Height
	if w <= 0 {
		w = 800
	}
	if h <= 0 {
		h = 600
	}
	return w, h
}

// SlotRange returns the inclusive display-number range to probe.
func (d DisplayConfig) SlotRange() (int, int) {
	lo, hi := d.SlotMin, d.SlotMax
	if lo <= 0 {
		lo = 99
	}
	if hi < lo {
		hi = lo + 20
	}
	return lo, hi
}

// Cap returns the snapshot cap.
func (d DisplayConfig) Cap() int {
	if d.SnapshotCap <= 0 {
		return 30
	}
	return d.SnapshotCap
}

// CaptureInterval returns the delay between consecutive captures.
func (d DisplayConfig) CaptureInterval() time.Duration {
	if d.CaptureIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(d.CaptureIntervalMS) * time.Millisecond
}

// Warmup returns the delay before the first capture.
func (d DisplayConfig) Warmup() time.Duration {
	if d.WarmupMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(d.WarmupMS) * time.Millisecond
}

// CaptureTimeout returns the bound on the external screen-dump helper.
func (d DisplayConfig) CaptureTimeout() time.Duration {
	if d.CaptureTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.CaptureTimeoutS) * time.Second
}

// Binary returns the virtual display server binary name.
func (d DisplayConfig) Binary() string {
	if d.ServerBinary == "" {
		return "Xvfb"
	}
	return d.ServerBinary
}

// HTTPConfig configures the HTTP API surface.
type HTTPConfig struct {
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	ListenAddr   string            `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":8080".
	APIKeys      map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`       // API key → caller ID. Empty = no auth.
	EnableDocs   bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestKB int               `json:"max_request_kb,omitempty" yaml:"max_request_kb,omitempty"` // Default: 1024.
	EnableStream bool              `json:"enable_stream" yaml:"enable_stream"`                       // WebSocket output streaming.
}

// Addr returns the listen address with the default applied.
func (h *HTTPConfig) Addr() string {
	if h == nil || h.ListenAddr == "" {
		return ":8080"
	}
	return h.ListenAddr
}

// MaxRequestBytes returns the request body cap in bytes.
func (h *HTTPConfig) MaxRequestBytes() int64 {
	if h == nil || h.MaxRequestKB <= 0 {
		return 1 << 20 // 1 MB
	}
	return int64(h.MaxRequestKB) * 1024
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "vizbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// SweepConfig configures age-based garbage collection of executions.
type SweepConfig struct {
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`   // Cron expression. Default: "* * * * *" (every minute).
	MaxAgeS  int    `json:"max_age_s,omitempty" yaml:"max_age_s,omitempty"` // Default: 1800 (30 min).
}

// CronSchedule returns the sweep cron expression.
func (s SweepConfig) CronSchedule() string {
	if s.Schedule == "" {
		return "* * * * *"
	}
	return s.Schedule
}

// MaxAge returns the age past which executions are purged.
func (s SweepConfig) MaxAge() time.Duration {
	if s.MaxAgeS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.MaxAgeS) * time.Second
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	if p := os.Getenv("VIZBOX_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".vizbox", "config.yaml")
}

// Load reads the config file at path and applies env overrides and defaults.
// A missing file is not an error — defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to defaults.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := unmarshal(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)

	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = filepath.Join(os.TempDir(), "vizbox")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIZBOX_SCRATCH_ROOT"); v != "" {
		cfg.ScratchRoot = v
	}
	if v := os.Getenv("VIZBOX_LISTEN_ADDR"); v != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("VIZBOX_INTERPRETER"); v != "" {
		cfg.Runner.Interpreter = v
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	lo, hi := c.Display.SlotRange()
	if hi-lo > 1000 {
		return fmt.Errorf("display slot range %d-%d too wide", lo, hi)
	}
	if c.Display.SnapshotCap < 0 {
		return fmt.Errorf("display.snapshot_cap must not be negative")
	}
	if c.HTTP != nil && c.HTTP.Enabled {
		if !strings.Contains(c.HTTP.Addr(), ":") {
			return fmt.Errorf("http.listen_addr %q missing port", c.HTTP.Addr())
		}
	}
	return nil
}
