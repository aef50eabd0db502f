// Package config loads sentinel's layered configuration.
//
// Precedence, lowest first: built-in defaults, the project config file
// (.sentinel.toml or .sentinel.yaml in the project directory, or an explicit
// --config path), SENTINEL_* environment variables, then command-line flags.
// Nested keys map to env vars with dots replaced by underscores, so
// remote.url is SENTINEL_REMOTE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sentinelhq/sentinel/internal/diag"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENTINEL"

// FileName is the config file base name searched in the project directory.
const FileName = ".sentinel"

// Config is the effective configuration.
type Config struct {
	// Root is the monitored tree
	Root string `mapstructure:"root"`

	StateFile string `mapstructure:"state_file"`
	QueueFile string `mapstructure:"queue_file"`
	HistoryDB string `mapstructure:"history_db"`

	// Threshold is the suspicious velocity in characters per second
	Threshold float64 `mapstructure:"threshold"`

	Identity IdentityConfig `mapstructure:"identity"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	// Source is the config file that was read, empty when none
	Source string `mapstructure:"-"`
}

// IdentityConfig controls attribution.
type IdentityConfig struct {
	// Name overrides the resolved identity
	Name string `mapstructure:"name"`

	// InstanceScoped gives each agent its own partition file
	InstanceScoped bool `mapstructure:"instance_scoped"`
}

// RemoteConfig describes the shared log.
type RemoteConfig struct {
	URL            string        `mapstructure:"url"`
	Dir            string        `mapstructure:"dir"`
	Name           string        `mapstructure:"name"`
	Branch         string        `mapstructure:"branch"`
	CloneTimeout   time.Duration `mapstructure:"clone_timeout"`
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
}

// LogConfig controls the diagnostic side channel.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	// Textfile, when set, receives the metrics after every run
	Textfile string `mapstructure:"textfile"`
}

// defaults are registered with viper so every key is known to
// AutomaticEnv and Unmarshal.
var defaults = map[string]any{
	"root":                     "src",
	"state_file":               ".sentinel_state.json",
	"queue_file":               "telemetry.jsonl",
	"history_db":               ".sentinel_history.db",
	"threshold":                50.0,
	"identity.name":            "",
	"identity.instance_scoped": false,
	"remote.url":               "",
	"remote.dir":               "~/.sentinel_logs",
	"remote.name":              "origin",
	"remote.branch":            "main",
	"remote.clone_timeout":     30 * time.Second,
	"remote.network_timeout":   10 * time.Second,
	"remote.max_attempts":      3,
	"remote.base_backoff":      500 * time.Millisecond,
	"log.file":                 "",
	"log.level":                "info",
	"log.max_size_mb":          10,
	"log.max_backups":          3,
	"log.max_age_days":         28,
	"metrics.textfile":         "",
}

// Options controls where Load looks.
type Options struct {
	// ProjectDir anchors relative paths and the config file search;
	// empty means the working directory
	ProjectDir string

	// File is an explicit config file; it must exist
	File string

	// Flags binds config keys to command-line flags. Only flags the user
	// actually set override lower layers.
	Flags map[string]*pflag.Flag
}

// Load builds the effective configuration.
func Load(opts Options) (*Config, error) {
	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		projectDir = wd
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(projectDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	cfg.resolvePaths(projectDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths(projectDir string) {
	anchor := func(p string) string {
		p = ExpandHome(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(projectDir, p)
	}

	c.Root = anchor(c.Root)
	c.StateFile = anchor(c.StateFile)
	c.QueueFile = anchor(c.QueueFile)
	c.HistoryDB = anchor(c.HistoryDB)
	c.Remote.Dir = anchor(c.Remote.Dir)
	c.Log.File = anchor(c.Log.File)
	c.Metrics.Textfile = anchor(c.Metrics.Textfile)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive, got %v", c.Threshold))
	}
	if c.Remote.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("remote.max_attempts must be >= 1, got %d", c.Remote.MaxAttempts))
	}
	if c.Remote.CloneTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.clone_timeout must be positive"))
	}
	if c.Remote.NetworkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.network_timeout must be positive"))
	}
	if c.Remote.BaseBackoff < 0 {
		errs = append(errs, fmt.Errorf("remote.base_backoff must not be negative"))
	}
	if _, err := diag.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
