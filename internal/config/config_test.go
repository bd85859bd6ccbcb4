package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default not applied, got %q", cfg.Server.Host)
	}
	if cfg.Sessions.MaxPerOwner != 10 {
		t.Errorf("max_per_owner default = %d, want 10", cfg.Sessions.MaxPerOwner)
	}
	if cfg.Pipeline.ProgressThreshold != 5 {
		t.Errorf("progress_threshold default = %v, want 5", cfg.Pipeline.ProgressThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
sessions:
  max_per_owner: 3
  terminate_grace: 1s
  retention: 1h
pipeline:
  dedupe_window: 4
  progress_threshold: 10
agent:
  login_timeout: 30s
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sessions.MaxPerOwner != 3 {
		t.Errorf("max_per_owner = %d, want 3", cfg.Sessions.MaxPerOwner)
	}
	if cfg.Sessions.TerminateGrace.Std() != time.Second {
		t.Errorf("terminate_grace = %v, want 1s", cfg.Sessions.TerminateGrace)
	}
	if cfg.Sessions.Retention.Std() != time.Hour {
		t.Errorf("retention = %v, want 1h", cfg.Sessions.Retention)
	}
	if cfg.Pipeline.DedupeWindow != 4 {
		t.Errorf("dedupe_window = %d, want 4", cfg.Pipeline.DedupeWindow)
	}
	if cfg.Agent.LoginTimeout.Std() != 30*time.Second {
		t.Errorf("login_timeout = %v, want 30s", cfg.Agent.LoginTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
