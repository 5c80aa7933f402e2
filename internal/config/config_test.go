package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Concurrency != 10 {
		t.Errorf("expected default concurrency 10, got %d", cfg.Engine.Concurrency)
	}
	if cfg.Engine.Retry.MaxRetries != 3 {
		t.Errorf("expected default maxRetries 3, got %d", cfg.Engine.Retry.MaxRetries)
	}
	if cfg.Engine.Circuit.FailureThreshold != 5 {
		t.Errorf("expected default threshold 5, got %d", cfg.Engine.Circuit.FailureThreshold)
	}
	if cfg.Approval.DefaultPolicy != "require-approval" {
		t.Errorf("expected require-approval default, got %q", cfg.Approval.DefaultPolicy)
	}
}

func TestLoad_OverridesAndMerge(t *testing.T) {
	path := writeConfig(t, `
engine:
  concurrency: 4
  retry:
    max_retries: 1
  tools:
    notify:
      disabled: true
    search:
      max_retries: 5
      base_delay: 50ms
approval:
  denylist: ["rm_*"]
  allowlist: ["read_file"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Engine.Concurrency)
	}
	if cfg.Engine.Retry.MaxRetries != 1 {
		t.Errorf("expected maxRetries 1, got %d", cfg.Engine.Retry.MaxRetries)
	}
	// Untouched defaults survive the merge.
	if cfg.Engine.Circuit.Cooldown != 30*time.Second {
		t.Errorf("expected default cooldown, got %v", cfg.Engine.Circuit.Cooldown)
	}
	if !cfg.Engine.Tools["notify"].Disabled {
		t.Error("expected notify resilience disabled")
	}
	if cfg.Engine.Tools["search"].BaseDelay != 50*time.Millisecond {
		t.Errorf("unexpected search override: %+v", cfg.Engine.Tools["search"])
	}
	if len(cfg.Approval.Denylist) != 1 || cfg.Approval.Denylist[0] != "rm_*" {
		t.Errorf("unexpected denylist: %v", cfg.Approval.Denylist)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("DISPATCH_DB", "/tmp/test-dispatch.db")
	path := writeConfig(t, `
store:
  backend: sqlite
  path: ${DISPATCH_DB}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/tmp/test-dispatch.db" {
		t.Errorf("expected env expansion, got %q", cfg.Store.Path)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "engine:\n  paralellism: 4\n")
	if _, err := Load(path); err == nil {
		t.Error("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad backend", func(c *Config) { c.Store.Backend = "postgres" }, "store backend"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "requires a path"},
		{"bad policy", func(c *Config) { c.Approval.DefaultPolicy = "maybe" }, "default policy"},
		{"zero concurrency", func(c *Config) { c.Engine.Concurrency = 0 }, "concurrency"},
		{"negative retries", func(c *Config) { c.Engine.Retry.MaxRetries = -1 }, "max_retries"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
