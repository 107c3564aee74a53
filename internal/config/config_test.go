package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8640 {
		t.Errorf("default port: expected 8640, got %d", cfg.Server.Port)
	}
	if cfg.Auth.Enabled {
		t.Error("default auth: expected disabled")
	}
	if cfg.Ingest.Enabled {
		t.Error("default ingest: expected disabled")
	}
	if cfg.Ingest.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("default redis_addr: expected 127.0.0.1:6379, got %q", cfg.Ingest.RedisAddr)
	}
	if len(cfg.Ingest.Channels) != 2 {
		t.Errorf("default channels: expected 2, got %d", len(cfg.Ingest.Channels))
	}
	if cfg.Verify.Schedule != "@hourly" {
		t.Errorf("default verify schedule: expected @hourly, got %q", cfg.Verify.Schedule)
	}
	if cfg.Alerts.FailureThreshold != 5 {
		t.Errorf("default failure_threshold: expected 5, got %d", cfg.Alerts.FailureThreshold)
	}
	if cfg.Alerts.FailureWindowMinutes != 10 {
		t.Errorf("default failure_window_minutes: expected 10, got %d", cfg.Alerts.FailureWindowMinutes)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
data_dir: /var/lib/chainlog
auth:
  enabled: true
  jwt_secret: "test-secret"
ingest:
  enabled: true
  redis_addr: "redis:6379"
  redis_db: 2
  channels: ["audit.*"]
verify:
  schedule: "@daily"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host: expected 0.0.0.0, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.DataDir != "/var/lib/chainlog" {
		t.Errorf("data_dir: expected /var/lib/chainlog, got %q", cfg.DataDir)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("auth: expected enabled with secret, got %+v", cfg.Auth)
	}
	if !cfg.Ingest.Enabled || cfg.Ingest.RedisAddr != "redis:6379" || cfg.Ingest.RedisDB != 2 {
		t.Errorf("ingest: unexpected %+v", cfg.Ingest)
	}
	if len(cfg.Ingest.Channels) != 1 || cfg.Ingest.Channels[0] != "audit.*" {
		t.Errorf("channels: expected [audit.*], got %v", cfg.Ingest.Channels)
	}
	if cfg.Verify.Schedule != "@daily" {
		t.Errorf("schedule: expected @daily, got %q", cfg.Verify.Schedule)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// Port overridden.
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	// Host should retain default.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
	// Untouched sections keep their defaults.
	if cfg.Verify.Schedule != "@hourly" {
		t.Errorf("schedule should be default @hourly, got %q", cfg.Verify.Schedule)
	}
}

func TestValidate(t *testing.T) {
	valid := applyDefaults()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
		},
		{
			name:    "port 0",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "port 65536",
			mutate:  func(c *Config) { c.Server.Port = 65536 },
			wantErr: true,
		},
		{
			name:    "auth enabled without secret",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: true,
		},
		{
			name: "auth enabled with secret",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.JWTSecret = "s"
			},
			wantErr: false,
		},
		{
			name: "ingest enabled without addr",
			mutate: func(c *Config) {
				c.Ingest.Enabled = true
				c.Ingest.RedisAddr = ""
			},
			wantErr: true,
		},
		{
			name: "ingest enabled without channels",
			mutate: func(c *Config) {
				c.Ingest.Enabled = true
				c.Ingest.Channels = nil
			},
			wantErr: true,
		},
		{
			name:    "negative failure threshold",
			mutate:  func(c *Config) { c.Alerts.FailureThreshold = -1 },
			wantErr: true,
		},
		{
			name:    "negative failure window",
			mutate:  func(c *Config) { c.Alerts.FailureWindowMinutes = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *valid
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// Verify file was created.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	// Load it back and verify defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 8640 {
		t.Errorf("roundtrip port: expected 8640, got %d", cfg.Server.Port)
	}
	if cfg.Verify.Schedule != "@hourly" {
		t.Errorf("roundtrip schedule: expected @hourly, got %q", cfg.Verify.Schedule)
	}
}
