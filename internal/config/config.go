// Package config provides configuration management for mensad.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mensad daemon.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7180").
	ServerAddr string `yaml:"server_addr"`

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// WorkerCommand is the worker binary spawned per thread.
	WorkerCommand string `yaml:"worker_command"`

	// WorkerArgs are extra arguments passed to the worker binary.
	WorkerArgs []string `yaml:"worker_args"`

	// MaxProcesses caps concurrently bound worker processes. Requests
	// beyond the cap are queued, not rejected. Default: 10.
	MaxProcesses int `yaml:"max_processes"`

	// GraceTimeoutSec bounds graceful worker teardown. Default: 10.
	GraceTimeoutSec int `yaml:"grace_timeout_sec"`

	// IdleUnbindMin pre-emptively unbinds workers idle for this many
	// minutes to free slots. 0 disables. Default: 15.
	IdleUnbindMin int `yaml:"idle_unbind_min"`

	// PermissionMode and MaxTurns are forwarded to every worker.
	PermissionMode string `yaml:"permission_mode"`
	MaxTurns       int    `yaml:"max_turns"`
}

// Load builds a Config from defaults, then the optional YAML file at
// $MENSAD_CONFIG (or ~/.mensad/config.yaml), then environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if err := loadFile(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "mensad.db")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerAddr:      ":7180",
		DataDir:         defaultDataDir(),
		WorkerCommand:   "mensa-worker",
		MaxProcesses:    10,
		GraceTimeoutSec: 10,
		IdleUnbindMin:   15,
	}
}

func loadFile(cfg *Config) error {
	path := os.Getenv("MENSAD_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".mensad", "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = envOr("MENSAD_ADDR", cfg.ServerAddr)
	cfg.DataDir = envOr("MENSAD_DATA_DIR", cfg.DataDir)
	cfg.WorkerCommand = envOr("MENSAD_WORKER_CMD", cfg.WorkerCommand)
	cfg.PermissionMode = envOr("MENSAD_PERMISSION_MODE", cfg.PermissionMode)
	cfg.MaxProcesses = envOrInt("MENSAD_MAX_PROCESSES", cfg.MaxProcesses)
	cfg.GraceTimeoutSec = envOrInt("MENSAD_GRACE_TIMEOUT_SEC", cfg.GraceTimeoutSec)
	cfg.IdleUnbindMin = envOrInt("MENSAD_IDLE_UNBIND_MIN", cfg.IdleUnbindMin)
	cfg.MaxTurns = envOrInt("MENSAD_MAX_TURNS", cfg.MaxTurns)
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.WorkerCommand == "" {
		return fmt.Errorf("worker command is required")
	}
	if c.MaxProcesses < 1 {
		return fmt.Errorf("max_processes must be at least 1")
	}
	return nil
}

// GraceTimeout returns the graceful teardown bound as a duration.
func (c *Config) GraceTimeout() time.Duration {
	return time.Duration(c.GraceTimeoutSec) * time.Second
}

// IdleUnbindAfter returns the idle unbind policy as a duration (0 = off).
func (c *Config) IdleUnbindAfter() time.Duration {
	return time.Duration(c.IdleUnbindMin) * time.Minute
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mensad"
	}
	return filepath.Join(home, ".mensad")
}
