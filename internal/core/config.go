package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RootConfig names one directory to scan for server programs.
type RootConfig struct {
	Dir      string `yaml:"dir"`
	KindHint string `yaml:"kind_hint"`
}

// Config is the supervisor configuration. Every option has a documented
// default; unknown keys in the YAML file are ignored.
type Config struct {
	Roots []RootConfig `yaml:"roots"`

	BasePort int `yaml:"base_port"`
	PortSpan int `yaml:"port_span"`

	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
	QuickCheckIntervalSeconds  int `yaml:"quick_check_interval_seconds"`
	ProbeTimeoutSeconds        int `yaml:"probe_timeout_seconds"`

	MaxRestartAttempts  int     `yaml:"max_restart_attempts"`
	RestartDelaySeconds int     `yaml:"restart_delay_seconds"`
	RestartBackoff      float64 `yaml:"restart_backoff"`

	AutoHeal       *bool `yaml:"auto_heal"`
	AutoRestart    *bool `yaml:"auto_restart"`
	AutoQuarantine *bool `yaml:"auto_quarantine"`

	NumInstancesPerServer int      `yaml:"num_instances_per_server"`
	AllowNames            []string `yaml:"allow_names"`
	ExcludeDirs           []string `yaml:"exclude_dirs"`

	Interpreter        string `yaml:"interpreter"`
	SpawnStaggerMillis int    `yaml:"spawn_stagger_ms"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`

	StateDir string `yaml:"state_dir"`
	LogDir   string `yaml:"log_dir"`

	API struct {
		Listen    string `yaml:"listen"`
		TokenHash string `yaml:"token_hash"`
	} `yaml:"api"`

	// SpawnEnv is populated from secrets.env, never from the YAML file.
	SpawnEnv map[string]string `yaml:"-"`
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/warden/config.yaml or ~/.config/warden/config.yaml.
// A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "warden", "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Missing file yields the defaults; secrets.env is resolved
		// independently below.
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	cfg.applyDefaults()
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, fmt.Errorf("read secrets: %w", err)
	}
	cfg.applySecrets(secrets)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasePort == 0 {
		c.BasePort = 8000
	}
	if c.PortSpan == 0 {
		c.PortSpan = 1000
	}
	if c.HealthCheckIntervalSeconds == 0 {
		c.HealthCheckIntervalSeconds = 1800
	}
	if c.QuickCheckIntervalSeconds == 0 {
		c.QuickCheckIntervalSeconds = 300
	}
	if c.ProbeTimeoutSeconds == 0 {
		c.ProbeTimeoutSeconds = 3
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = 3
	}
	if c.RestartDelaySeconds == 0 {
		c.RestartDelaySeconds = 5
	}
	if c.RestartBackoff == 0 {
		c.RestartBackoff = 2.0
	}
	if c.AutoHeal == nil {
		c.AutoHeal = boolPtr(true)
	}
	if c.AutoRestart == nil {
		c.AutoRestart = boolPtr(true)
	}
	if c.AutoQuarantine == nil {
		c.AutoQuarantine = boolPtr(true)
	}
	if c.NumInstancesPerServer == 0 {
		c.NumInstancesPerServer = 1
	}
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.SpawnStaggerMillis == 0 {
		c.SpawnStaggerMillis = 500
	}
	if c.StopTimeoutSeconds == 0 {
		c.StopTimeoutSeconds = 10
	}
	if c.StateDir == "" {
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "state")
		}
		c.StateDir = filepath.Join(base, "warden")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.StateDir, "logs")
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9601"
	}
}

func boolPtr(b bool) *bool { return &b }

// QuickInterval is the quick-check loop period.
func (c Config) QuickInterval() time.Duration {
	return time.Duration(c.QuickCheckIntervalSeconds) * time.Second
}

// FullInterval is the full-check loop period.
func (c Config) FullInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// ProbeTimeout bounds a single network health probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// RestartDelay is the base backoff delay before the first retry.
func (c Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelaySeconds) * time.Second
}

// SpawnStagger is the fixed delay between consecutive bring-up spawns.
func (c Config) SpawnStagger() time.Duration {
	return time.Duration(c.SpawnStaggerMillis) * time.Millisecond
}

// StopTimeout bounds a graceful termination before force kill.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}
