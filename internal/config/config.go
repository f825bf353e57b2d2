package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Refresh Refresh `yaml:"refresh"`
	Fetcher Fetcher `yaml:"fetcher"`
	Output  Output  `yaml:"output"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

// Refresh controls scheduling, backoff and fan-out of feed refreshes.
type Refresh struct {
	Interval           time.Duration `yaml:"interval"`
	FirstPollDelay     time.Duration `yaml:"first_poll_delay"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	BackoffMaxExponent int           `yaml:"backoff_max_exponent"`
	DisableAfter       int           `yaml:"disable_after"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	MaxItems           int           `yaml:"max_items"`
	Concurrency        int           `yaml:"concurrency"`
	UserInterval       time.Duration `yaml:"user_interval"`
	ScheduleEvery      time.Duration `yaml:"schedule_every"`
}

type Fetcher struct {
	UserAgent       string        `yaml:"user_agent"`
	PerHostInterval time.Duration `yaml:"per_host_interval"`
	SnippetLength   int           `yaml:"snippet_length"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for feedrefresh.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "feedrefresh")
}

// DataDir returns the XDG data directory for feedrefresh.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "feedrefresh")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/feedrefresh/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'feedrefresh init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Refresh: Refresh{
			Interval:           15 * time.Minute,
			FirstPollDelay:     15 * time.Minute,
			BackoffBase:        15 * time.Minute,
			BackoffCap:         60 * time.Minute,
			BackoffMaxExponent: 5,
			DisableAfter:       10,
			FetchTimeout:       10 * time.Second,
			MaxItems:           20,
			Concurrency:        5,
			UserInterval:       10 * time.Minute,
			ScheduleEvery:      5 * time.Minute,
		},
		Fetcher: Fetcher{
			UserAgent:       "feedrefresh/1.0 (+rss aggregator)",
			PerHostInterval: time.Second,
			SnippetLength:   300,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the refresh engine cannot run with.
func (c *Config) Validate() error {
	r := c.Refresh
	switch {
	case r.Interval <= 0:
		return fmt.Errorf("refresh.interval must be positive, got %s", r.Interval)
	case r.BackoffBase <= 0:
		return fmt.Errorf("refresh.backoff_base must be positive, got %s", r.BackoffBase)
	case r.BackoffCap < r.BackoffBase:
		return fmt.Errorf("refresh.backoff_cap (%s) is below backoff_base (%s)", r.BackoffCap, r.BackoffBase)
	case r.BackoffMaxExponent < 0:
		return fmt.Errorf("refresh.backoff_max_exponent must not be negative, got %d", r.BackoffMaxExponent)
	case r.DisableAfter <= 0:
		return fmt.Errorf("refresh.disable_after must be positive, got %d", r.DisableAfter)
	case r.FetchTimeout <= 0:
		return fmt.Errorf("refresh.fetch_timeout must be positive, got %s", r.FetchTimeout)
	case r.MaxItems <= 0:
		return fmt.Errorf("refresh.max_items must be positive, got %d", r.MaxItems)
	case r.Concurrency <= 0:
		return fmt.Errorf("refresh.concurrency must be positive, got %d", r.Concurrency)
	case r.UserInterval <= 0:
		return fmt.Errorf("refresh.user_interval must be positive, got %s", r.UserInterval)
	case r.ScheduleEvery < 0:
		return fmt.Errorf("refresh.schedule_every must not be negative, got %s", r.ScheduleEvery)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// LogLevel maps logging.level onto a slog level. Unknown values fall back to INFO.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.Logging.Level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
