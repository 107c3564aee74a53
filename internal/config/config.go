// Package config handles loading, validating, and writing the chainlog
// daemon configuration from ~/.chainlog/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Data directory for chain files and the query index
//   - Optional bearer-token auth for the HTTP API
//   - Optional Redis event-bus ingestion
//   - Scheduled chain verification
//   - Repeated-failure alert thresholds
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level chainlog daemon configuration.
// Loaded from ~/.chainlog/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	DataDir string       `yaml:"data_dir"`
	Auth    AuthConfig   `yaml:"auth"`
	Ingest  IngestConfig `yaml:"ingest"`
	Verify  VerifyConfig `yaml:"verify"`
	Alerts  AlertsConfig `yaml:"alerts"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:8640 (loopback only, never bind to 0.0.0.0 by default).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig controls the optional bearer-token middleware.
// When enabled, API requests must carry a JWT signed with the shared
// secret and a "role" claim (admin, analyst or auditor).
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// IngestConfig controls the Redis event-bus consumer. When enabled, the
// daemon subscribes to the configured channel patterns and appends every
// valid event envelope it receives.
type IngestConfig struct {
	Enabled   bool     `yaml:"enabled"`
	RedisAddr string   `yaml:"redis_addr"`
	RedisDB   int      `yaml:"redis_db"`
	Channels  []string `yaml:"channels"`
}

// VerifyConfig controls scheduled chain verification.
// Schedule is a cron expression ("0 * * * *") or descriptor ("@hourly").
// An empty schedule disables the background verifier.
type VerifyConfig struct {
	Schedule string `yaml:"schedule"`
}

// AlertsConfig holds thresholds for the repeated-failure detector.
type AlertsConfig struct {
	FailureThreshold     int `yaml:"failure_threshold"`
	FailureWindowMinutes int `yaml:"failure_window_minutes"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file, use defaults. This is normal on first run
			// before `chainlog start` writes the template.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by the first-run setup.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Chainlog Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 8640)
#
# data_dir: Directory for chain files and the query index.
#           Empty = <config dir>/data.
#
# auth:
#   enabled: Require a bearer JWT with a "role" claim on API requests.
#   jwt_secret: HMAC secret for token verification (required when enabled).
#
# ingest:
#   enabled: Subscribe to a Redis event bus and append incoming events.
#   redis_addr: host:port of the Redis server.
#   redis_db: Redis database number.
#   channels: PSUBSCRIBE patterns to consume.
#
# verify:
#   schedule: Cron expression or descriptor ("@hourly") for background
#             chain verification. Empty = disabled.
#
# alerts:
#   failure_threshold: Failures per actor before an alert fires.
#   failure_window_minutes: Sliding window for the failure counter.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8640,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Ingest: IngestConfig{
			Enabled:   false,
			RedisAddr: "127.0.0.1:6379",
			RedisDB:   0,
			Channels:  []string{"audit.events", "incident.*"},
		},
		Verify: VerifyConfig{
			Schedule: "@hourly",
		},
		Alerts: AlertsConfig{
			FailureThreshold:     5,
			FailureWindowMinutes: 10,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.enabled is true")
	}

	if cfg.Ingest.Enabled {
		if cfg.Ingest.RedisAddr == "" {
			return fmt.Errorf("ingest.redis_addr is required when ingest.enabled is true")
		}
		if len(cfg.Ingest.Channels) == 0 {
			return fmt.Errorf("ingest.channels must not be empty when ingest.enabled is true")
		}
	}

	if cfg.Alerts.FailureThreshold < 0 {
		return fmt.Errorf("alerts.failure_threshold must be non-negative")
	}
	if cfg.Alerts.FailureWindowMinutes < 0 {
		return fmt.Errorf("alerts.failure_window_minutes must be non-negative")
	}

	return nil
}
