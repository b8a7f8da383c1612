// Package config handles configuration for tb-shellguard.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, and SHELLGUARD_* environment variables. Command-line flags are
// applied by the cmd package on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is where the daemon looks for its config when --config is unset.
const DefaultConfigFile = "/etc/tb-shellguard/config.yaml"

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "SHELLGUARD"

// Disconnect policies.
const (
	OnDisconnectDetach = "detach"
	OnDisconnectKill   = "kill"
)

// Audit storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds all tb-shellguard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Sessions  SessionConfig   `yaml:"sessions" envconfig:"SESSIONS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATELIMIT"`
	Policy    PolicyConfig    `yaml:"policy" envconfig:"POLICY"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Threat    ThreatConfig    `yaml:"threat" envconfig:"THREAT"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
}

// ServerConfig controls the HTTP listener that carries the bridge protocol.
type ServerConfig struct {
	Listen         string   `yaml:"listen" split_words:"true"`
	WSPath         string   `yaml:"ws_path" split_words:"true"`
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
	MaxFrameBytes  int64    `yaml:"max_frame_bytes" split_words:"true"`
}

// AuthConfig maps bearer tokens to principals. An empty map disables auth.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens" split_words:"true"`
}

// Enabled reports whether connections must present a bearer token.
func (a AuthConfig) Enabled() bool { return len(a.Tokens) > 0 }

// SessionConfig controls the session registry and PTY supervisors.
type SessionConfig struct {
	DefaultShell      string        `yaml:"default_shell" split_words:"true"`
	AllowedShells     []string      `yaml:"allowed_shells" split_words:"true"`
	MaxPerClient      int           `yaml:"max_per_client" split_words:"true"`
	IdleAfter         time.Duration `yaml:"idle_after" split_words:"true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" split_words:"true"`
	HardCeiling       time.Duration `yaml:"hard_ceiling" split_words:"true"`
	GracePeriod       time.Duration `yaml:"grace_period" split_words:"true"`
	OutputBufferBytes int           `yaml:"output_buffer_bytes" split_words:"true"`
	OnDisconnect      string        `yaml:"on_disconnect" split_words:"true"`
}

// RateLimitConfig is the per-client token bucket.
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity" split_words:"true"`
	RefillPerSecond float64 `yaml:"refill_per_second" split_words:"true"`
}

// PolicyConfig selects the command-validation rule set.
type PolicyConfig struct {
	RulesFile      string  `yaml:"rules_file" split_words:"true"`
	Watch          bool    `yaml:"watch" split_words:"true"`
	BlockThreshold float64 `yaml:"block_threshold" split_words:"true"`
}

// AuditConfig selects and tunes the audit log store.
type AuditConfig struct {
	Backend            string `yaml:"backend" split_words:"true"`
	Path               string `yaml:"path" split_words:"true"`
	CheckpointInterval int    `yaml:"checkpoint_interval" split_words:"true"`
	SigningKey         string `yaml:"signing_key" split_words:"true"`
	VerifySchedule     string `yaml:"verify_schedule" split_words:"true"`
}

// ThreatConfig tunes correlation rules and alert delivery.
type ThreatConfig struct {
	MinSeverity      string        `yaml:"min_severity" split_words:"true"`
	Window           time.Duration `yaml:"window" split_words:"true"`
	BlockThreshold   int           `yaml:"block_threshold" split_words:"true"`
	RateLimitedBurst int           `yaml:"rate_limited_burst" split_words:"true"`
	CrashThreshold   int           `yaml:"crash_threshold" split_words:"true"`
	WebhookURL       string        `yaml:"webhook_url" split_words:"true"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// Default returns a Config with every option set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        "127.0.0.1:7681",
			WSPath:        "/ws",
			MaxFrameBytes: 64 * 1024,
		},
		Sessions: SessionConfig{
			DefaultShell:      "/bin/bash",
			AllowedShells:     []string{"/bin/bash", "/bin/sh", "/bin/zsh"},
			MaxPerClient:      5,
			IdleAfter:         2 * time.Minute,
			IdleTimeout:       30 * time.Minute,
			HardCeiling:       8 * time.Hour,
			GracePeriod:       5 * time.Second,
			OutputBufferBytes: 1024 * 1024,
			OnDisconnect:      OnDisconnectDetach,
		},
		RateLimit: RateLimitConfig{
			Capacity:        60,
			RefillPerSecond: 1,
		},
		Policy: PolicyConfig{},
		Audit: AuditConfig{
			Backend:            BackendFile,
			Path:               DefaultAuditPath(),
			CheckpointInterval: 256,
			VerifySchedule:     "@every 10m",
		},
		Threat: ThreatConfig{
			MinSeverity:      "warning",
			Window:           5 * time.Minute,
			BlockThreshold:   5,
			RateLimitedBurst: 3,
			CrashThreshold:   3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults, then
// applies environment overrides and validates the result. A missing file is
// not an error when path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Sessions.MaxPerClient < 1 {
		errs = append(errs, fmt.Errorf("sessions.max_per_client must be >= 1, got %d", c.Sessions.MaxPerClient))
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, errors.New("sessions.idle_timeout must be positive"))
	}
	if c.Sessions.HardCeiling > 0 && c.Sessions.IdleTimeout > c.Sessions.HardCeiling {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout (%s) exceeds sessions.hard_ceiling (%s)",
			c.Sessions.IdleTimeout, c.Sessions.HardCeiling))
	}
	if c.Sessions.IdleAfter <= 0 || c.Sessions.IdleAfter > c.Sessions.IdleTimeout {
		errs = append(errs, fmt.Errorf("sessions.idle_after must be in (0, idle_timeout], got %s", c.Sessions.IdleAfter))
	}
	if c.Sessions.GracePeriod <= 0 {
		errs = append(errs, errors.New("sessions.grace_period must be positive"))
	}
	if c.Sessions.OutputBufferBytes < 1024 {
		errs = append(errs, fmt.Errorf("sessions.output_buffer_bytes must be >= 1024, got %d", c.Sessions.OutputBufferBytes))
	}
	switch c.Sessions.OnDisconnect {
	case OnDisconnectDetach, OnDisconnectKill:
	default:
		errs = append(errs, fmt.Errorf("sessions.on_disconnect must be %q or %q, got %q",
			OnDisconnectDetach, OnDisconnectKill, c.Sessions.OnDisconnect))
	}
	if len(c.Sessions.AllowedShells) == 0 {
		errs = append(errs, errors.New("sessions.allowed_shells must not be empty"))
	} else if !contains(c.Sessions.AllowedShells, c.Sessions.DefaultShell) {
		errs = append(errs, fmt.Errorf("sessions.default_shell %q is not in allowed_shells", c.Sessions.DefaultShell))
	}

	if c.RateLimit.Capacity < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.capacity must be >= 1, got %d", c.RateLimit.Capacity))
	}
	if c.RateLimit.RefillPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.refill_per_second must be positive, got %g", c.RateLimit.RefillPerSecond))
	}

	if c.Policy.BlockThreshold < 0 || c.Policy.BlockThreshold > 1 {
		errs = append(errs, fmt.Errorf("policy.block_threshold must be in (0, 1], got %g", c.Policy.BlockThreshold))
	}

	switch c.Audit.Backend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("audit.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Audit.Backend))
	}
	if c.Audit.Path == "" {
		errs = append(errs, errors.New("audit.path is required"))
	}
	if c.Audit.CheckpointInterval < 2 {
		errs = append(errs, fmt.Errorf("audit.checkpoint_interval must be >= 2, got %d", c.Audit.CheckpointInterval))
	}

	switch c.Threat.MinSeverity {
	case "info", "warning", "high", "critical":
	default:
		errs = append(errs, fmt.Errorf("threat.min_severity %q is not one of info, warning, high, critical", c.Threat.MinSeverity))
	}
	if c.Threat.Window <= 0 {
		errs = append(errs, errors.New("threat.window must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
