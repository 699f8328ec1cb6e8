// Package config loads and validates the taskforge configuration from
// ~/.taskforge/config.yaml (TASKFORGE_HOME overrides the directory).
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure so callers can distinguish
// a bad config.yaml from an unreadable one.
var ErrInvalidConfig = errors.New("invalid configuration")

// EngineConfig describes the external AI engine process.
type EngineConfig struct {
	// Command is the engine executable invoked per session.
	Command string `yaml:"command"`
	// Args are fixed arguments prepended before --prompt.
	Args []string `yaml:"args"`
	// TimeoutSeconds bounds one engine invocation. 0 means no timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TelegramConfig configures the optional Telegram chat adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups chat adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig configures telemetry export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// JanitorConfig configures the background maintenance sweep.
type JanitorConfig struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
	// CredentialMaxAgeMinutes is the age after which an orphaned credential
	// directory is force-removed. 0 disables the credential sweep.
	CredentialMaxAgeMinutes int `yaml:"credential_max_age_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// WorkRoot is the directory under which per-channel checkouts are created.
	WorkRoot string `yaml:"work_root"`

	// Principals is the fixed pool of pre-provisioned OS accounts that
	// privileged commands run as. Repo registration assigns one per channel.
	Principals []string `yaml:"principals"`

	// Privileged toggles sudo-based identity switching. When false (dev,
	// single-tenant), commands run as the daemon's own account and ownership
	// reassignment is skipped.
	Privileged bool   `yaml:"privileged"`
	SudoPath   string `yaml:"sudo_path"`
	GitPath    string `yaml:"git_path"`

	// SecretKey is the base64-encoded 32-byte key for the secret store.
	// The TASKFORGE_SECRET_KEY env var takes precedence.
	SecretKey string `yaml:"secret_key"`

	Engine   EngineConfig   `yaml:"engine"`
	Channels ChannelsConfig `yaml:"channels"`
	Otel     OtelConfig     `yaml:"otel"`
	Janitor  JanitorConfig  `yaml:"janitor"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		Privileged: true,
		SudoPath:   "/usr/bin/sudo",
		GitPath:    "git",
		Engine: EngineConfig{
			Command:        "aider-wrapper",
			TimeoutSeconds: 0,
		},
		Janitor: JanitorConfig{
			Schedule:                "*/5 * * * *",
			CredentialMaxAgeMinutes: 60,
		},
	}
}

// HomeDir resolves the taskforge data directory.
func HomeDir() string {
	if override := os.Getenv("TASKFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforge")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads, normalizes, and validates the configuration.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskforge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKFORGE_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("TASKFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskforge.db")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(cfg.HomeDir, "repos")
	}
	if cfg.SudoPath == "" {
		cfg.SudoPath = "/usr/bin/sudo"
	}
	if cfg.GitPath == "" {
		cfg.GitPath = "git"
	}
	if cfg.Engine.Command == "" {
		cfg.Engine.Command = "aider-wrapper"
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "*/5 * * * *"
	}
}

func validate(cfg *Config) error {
	if cfg.Privileged && len(cfg.Principals) == 0 {
		return fmt.Errorf("%w: privileged mode requires a non-empty principals pool", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(cfg.Principals))
	for _, p := range cfg.Principals {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("%w: empty principal name in pool", ErrInvalidConfig)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate principal %q in pool", ErrInvalidConfig, p)
		}
		seen[p] = struct{}{}
	}
	if cfg.SecretKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
		if err != nil {
			return fmt.Errorf("%w: secret_key is not valid base64: %v", ErrInvalidConfig, err)
		}
		if len(key) != 32 {
			return fmt.Errorf("%w: secret_key must decode to 32 bytes, got %d", ErrInvalidConfig, len(key))
		}
	}
	if cfg.Engine.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: engine.timeout_seconds cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// SecretKeyBytes decodes the configured secret key. Returns nil when unset.
func (c Config) SecretKeyBytes() []byte {
	if c.SecretKey == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil || len(key) != 32 {
		return nil
	}
	return key
}

// EngineTimeout returns the engine invocation timeout, 0 when unbounded.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// CredentialMaxAge returns the orphaned-credential sweep age, 0 when the
// sweep is disabled.
func (j JanitorConfig) CredentialMaxAge() time.Duration {
	return time.Duration(j.CredentialMaxAgeMinutes) * time.Minute
}
