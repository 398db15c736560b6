package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ApprovalTimeout.Duration != 60*time.Minute {
		t.Errorf("expected ApprovalTimeout 60m, got %v", cfg.ApprovalTimeout.Duration)
	}
	if cfg.ReminderInterval.Duration != 15*time.Minute {
		t.Errorf("expected ReminderInterval 15m, got %v", cfg.ReminderInterval.Duration)
	}
	if cfg.CIRunTimeout.Duration != 45*time.Minute {
		t.Errorf("expected CIRunTimeout 45m, got %v", cfg.CIRunTimeout.Duration)
	}
	if cfg.CIStartupTimeout.Duration != 5*time.Minute {
		t.Errorf("expected CIStartupTimeout 5m, got %v", cfg.CIStartupTimeout.Duration)
	}
	if cfg.CheckInterval.Duration != 30*time.Second {
		t.Errorf("expected CheckInterval 30s, got %v", cfg.CheckInterval.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("unexpected error with missing config: %v", err)
	}
	if cfg.DefaultBranch != "main" {
		t.Errorf("expected default branch main, got %q", cfg.DefaultBranch)
	}

	if _, err := Load(path, true); err == nil {
		t.Error("expected error when config is required but missing")
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mq.toml")
	content := `
repository = "acme/widgets"
default_branch = "trunk"
approval_timeout = "30m"
check_interval = "10s"

[tracking]
backend = "file"
dir = "/tmp/mq"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Repository != "acme/widgets" {
		t.Errorf("expected repository acme/widgets, got %q", cfg.Repository)
	}
	if cfg.DefaultBranch != "trunk" {
		t.Errorf("expected default branch trunk, got %q", cfg.DefaultBranch)
	}
	if cfg.ApprovalTimeout.Duration != 30*time.Minute {
		t.Errorf("expected ApprovalTimeout 30m, got %v", cfg.ApprovalTimeout.Duration)
	}
	if cfg.CheckInterval.Duration != 10*time.Second {
		t.Errorf("expected CheckInterval 10s, got %v", cfg.CheckInterval.Duration)
	}
	// Untouched keys keep defaults.
	if cfg.ReminderInterval.Duration != 15*time.Minute {
		t.Errorf("expected default ReminderInterval, got %v", cfg.ReminderInterval.Duration)
	}
	if cfg.Tracking.Backend != BackendFile || cfg.Tracking.Dir != "/tmp/mq" {
		t.Errorf("unexpected tracking config: %+v", cfg.Tracking)
	}
	if cfg.Org() != "acme" {
		t.Errorf("expected org acme, got %q", cfg.Org())
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", `approval_timeout = "soon"`},
		{"unknown key", `approval_timeot = "10m"`},
		{"not toml", `repository = `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mq.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path, true); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero timeout", func(c *Config) { c.ApprovalTimeout = Duration{} }, "approval_timeout"},
		{"negative settle", func(c *Config) { c.SettleDelay = Duration{-time.Second} }, "settle_delay"},
		{"empty branch", func(c *Config) { c.DefaultBranch = "" }, "default_branch"},
		{"bad backend", func(c *Config) { c.Tracking.Backend = "redis" }, "tracking.backend"},
		{"file without dir", func(c *Config) { c.Tracking = TrackingConfig{Backend: BackendFile} }, "tracking.dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Repository = "acme/widgets"

	var buf bytes.Buffer
	if err := cfg.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), `approval_timeout = "1h0m0s"`) {
		t.Errorf("expected duration string in output, got:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "mq.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path, true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.ApprovalTimeout != cfg.ApprovalTimeout || loaded.Repository != cfg.Repository {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}
