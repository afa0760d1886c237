package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points all config sources at the test's temp dir so a
// developer's real ~/.mensad/config.yaml never leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MENSAD_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("MENSAD_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("MENSAD_ADDR", "")
	t.Setenv("MENSAD_WORKER_CMD", "")
	t.Setenv("MENSAD_MAX_PROCESSES", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":7180" {
		t.Errorf("server addr = %q", cfg.ServerAddr)
	}
	if cfg.WorkerCommand != "mensa-worker" {
		t.Errorf("worker command = %q", cfg.WorkerCommand)
	}
	if cfg.MaxProcesses != 10 {
		t.Errorf("max processes = %d", cfg.MaxProcesses)
	}
	if cfg.GraceTimeout() != 10*time.Second {
		t.Errorf("grace timeout = %v", cfg.GraceTimeout())
	}
	if cfg.IdleUnbindAfter() != 15*time.Minute {
		t.Errorf("idle unbind = %v", cfg.IdleUnbindAfter())
	}
	if cfg.DatabasePath == "" {
		t.Error("database path not defaulted")
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := isolate(t)

	yaml := `
server_addr: ":9999"
worker_command: custom-worker
max_processes: 3
grace_timeout_sec: 2
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":9999" || cfg.WorkerCommand != "custom-worker" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MaxProcesses != 3 || cfg.GraceTimeout() != 2*time.Second {
		t.Fatalf("numeric file values not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)

	yaml := "server_addr: \":9999\"\nmax_processes: 3\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("MENSAD_ADDR", ":7777")
	t.Setenv("MENSAD_MAX_PROCESSES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":7777" {
		t.Errorf("env addr not applied: %q", cfg.ServerAddr)
	}
	if cfg.MaxProcesses != 5 {
		t.Errorf("env max processes not applied: %d", cfg.MaxProcesses)
	}
}

func TestValidate(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.WorkerCommand = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing worker command accepted")
	}

	cfg.WorkerCommand = "mensa-worker"
	cfg.MaxProcesses = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero max_processes accepted")
	}
}
