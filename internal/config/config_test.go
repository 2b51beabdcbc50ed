package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Session.SendTimeout != 30*time.Second {
		t.Errorf("expected send timeout 30s, got %v", cfg.Session.SendTimeout)
	}
	if cfg.Health.PollInterval != 10*time.Second {
		t.Errorf("expected poll interval 10s, got %v", cfg.Health.PollInterval)
	}
	if cfg.Health.UnresponsiveAfter != 60*time.Second {
		t.Errorf("expected unresponsive timeout 60s, got %v", cfg.Health.UnresponsiveAfter)
	}
	if cfg.Health.CPUThreshold != 80.0 {
		t.Errorf("expected cpu threshold 80, got %v", cfg.Health.CPUThreshold)
	}
	if cfg.Health.MemoryThresholdMB != 512.0 {
		t.Errorf("expected memory threshold 512, got %v", cfg.Health.MemoryThresholdMB)
	}
	if cfg.Scheduler.ScanInterval != time.Second {
		t.Errorf("expected scan interval 1s, got %v", cfg.Scheduler.ScanInterval)
	}
	if cfg.Router.DeliveryInterval != 100*time.Millisecond {
		t.Errorf("expected delivery interval 100ms, got %v", cfg.Router.DeliveryInterval)
	}
	if cfg.Router.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Router.BatchSize)
	}
	if cfg.Router.HistoryLimit != 1000 {
		t.Errorf("expected history limit 1000, got %d", cfg.Router.HistoryLimit)
	}
	if cfg.Session.CleanupAge != 7*24*time.Hour {
		t.Errorf("expected cleanup age one week, got %v", cfg.Session.CleanupAge)
	}
	if cfg.Agents.Command != "claude" {
		t.Errorf("expected default agent command claude, got %q", cfg.Agents.Command)
	}
}

func TestLoadDerivedPaths(t *testing.T) {
	data := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", data)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := filepath.Join(data, "drover")
	if cfg.DataDir != want {
		t.Errorf("expected data dir %s, got %s", want, cfg.DataDir)
	}
	if cfg.StatePath() != filepath.Join(want, "state.db") {
		t.Errorf("unexpected state path %s", cfg.StatePath())
	}
	if cfg.Scheduler.DocDir != filepath.Join(want, "tasks") {
		t.Errorf("unexpected doc dir %s", cfg.Scheduler.DocDir)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
session:
  send_timeout: 5s
health:
  cpu_threshold: 50
router:
  batch_size: 3
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath error: %v", err)
	}

	if cfg.Session.SendTimeout != 5*time.Second {
		t.Errorf("expected overridden send timeout 5s, got %v", cfg.Session.SendTimeout)
	}
	if cfg.Health.CPUThreshold != 50 {
		t.Errorf("expected overridden cpu threshold 50, got %v", cfg.Health.CPUThreshold)
	}
	if cfg.Router.BatchSize != 3 {
		t.Errorf("expected overridden batch size 3, got %d", cfg.Router.BatchSize)
	}
	// Untouched keys keep defaults.
	if cfg.Router.HistoryLimit != 1000 {
		t.Errorf("expected default history limit, got %d", cfg.Router.HistoryLimit)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("DROVER_AGENTS_COMMAND", "mock-agent")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Agents.Command != "mock-agent" {
		t.Errorf("expected env override mock-agent, got %q", cfg.Agents.Command)
	}
}
