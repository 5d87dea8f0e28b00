// Package config provides configuration management for agentgated.
//
// It follows the teacher's own internal/config convention: a single
// YAML-backed Config struct, a Default() that fills in every field, and a
// Load/LoadFrom pair that starts from Default() and lets the file override
// individual fields rather than requiring a complete document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// AgentGateDir is the default configuration directory, relative to the
// working directory agentgated is started in.
const AgentGateDir = ".agentgate"

// QueueConfig configures the Priority Queue (internal/queue).
type QueueConfig struct {
	MaxQueueSize  int    `yaml:"max_queue_size"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	PersistPath   string `yaml:"persist_path"`
}

// AdmissionConfig configures the Admission Controller (internal/admission).
type AdmissionConfig struct {
	TickInterval         time.Duration `yaml:"tick_interval"`
	StaggerDelay         time.Duration `yaml:"stagger_delay"`
	MinAvailableMemoryMB float64       `yaml:"min_available_memory_mb"`
}

// StaleConfig configures the Stale Detector (internal/stale).
type StaleConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// ProcTrackConfig configures the Process Tracker (internal/proctrack).
type ProcTrackConfig struct {
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// LoopStrategyConfig configures which Loop Strategy variant a work order
// without an explicit strategy falls back to, and the parameters of each
// variant (see internal/loopstrategy).
type LoopStrategyConfig struct {
	Default         string  `yaml:"default"` // "fixed", "hybrid", "ralph"
	BaseIterations  int     `yaml:"base_iterations"`
	BonusIterations int     `yaml:"bonus_iterations"`
	RalphWindow     int     `yaml:"ralph_window"`
	RalphThreshold  float64 `yaml:"ralph_threshold"`
	RalphMinIters   int     `yaml:"ralph_min_iterations"`
}

// RunExecConfig configures the Run Executor (internal/runexec).
type RunExecConfig struct {
	LeaseRenewalInterval time.Duration `yaml:"lease_renewal_interval"`
}

// StorageConfig selects and configures the Persistence Store
// (internal/store).
type StorageConfig struct {
	// Mode is "memory" or "sqlite". Mirrors the teacher's own
	// StorageMode string-enum convention.
	Mode string `yaml:"mode"`
	// SQLitePath is the database file path when Mode is "sqlite".
	SQLitePath string `yaml:"sqlite_path"`
}

// LoggingConfig configures the slog logger shared by every component.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the top-level AgentGate configuration document.
type Config struct {
	Queue         QueueConfig        `yaml:"queue"`
	Admission     AdmissionConfig    `yaml:"admission"`
	Stale         StaleConfig        `yaml:"stale"`
	ProcTrack     ProcTrackConfig    `yaml:"proctrack"`
	LoopStrategy  LoopStrategyConfig `yaml:"loop_strategy"`
	RunExec       RunExecConfig      `yaml:"runexec"`
	Storage       StorageConfig      `yaml:"storage"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// Default returns a Config with every field set to its production default.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxQueueSize:  1000,
			MaxConcurrent: 4,
			PersistPath:   filepath.Join(AgentGateDir, "queue-state.json"),
		},
		Admission: AdmissionConfig{
			TickInterval:         2 * time.Second,
			StaggerDelay:         500 * time.Millisecond,
			MinAvailableMemoryMB: 512,
		},
		Stale: StaleConfig{
			SweepInterval:  15 * time.Second,
			StaleThreshold: 2 * time.Minute,
		},
		ProcTrack: ProcTrackConfig{
			GracefulTimeout: 10 * time.Second,
		},
		LoopStrategy: LoopStrategyConfig{
			Default:         "hybrid",
			BaseIterations:  5,
			BonusIterations: 3,
			RalphWindow:     3,
			RalphThreshold:  0.9,
			RalphMinIters:   2,
		},
		RunExec: RunExecConfig{
			LeaseRenewalInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Mode:       "sqlite",
			SQLitePath: filepath.Join(AgentGateDir, "agentgate.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the config from the default location.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(AgentGateDir, ConfigFileName))
}

// LoadFrom loads the config from a specific path, starting from Default()
// so a partial document only overrides the fields it mentions.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save saves the config to the default location.
func (c *Config) Save() error {
	return c.SaveTo(filepath.Join(AgentGateDir, ConfigFileName))
}

// SaveTo saves the config to a specific path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
