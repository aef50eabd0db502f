package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the configuration. Durations are kept as
// strings ("30s") so both TOML and YAML round-trip through viper.
type File struct {
	Root      string  `toml:"root" yaml:"root"`
	StateFile string  `toml:"state_file" yaml:"state_file"`
	QueueFile string  `toml:"queue_file" yaml:"queue_file"`
	HistoryDB string  `toml:"history_db" yaml:"history_db"`
	Threshold float64 `toml:"threshold" yaml:"threshold"`

	Identity FileIdentity `toml:"identity" yaml:"identity"`
	Remote   FileRemote   `toml:"remote" yaml:"remote"`
	Log      FileLog      `toml:"log" yaml:"log"`
	Metrics  FileMetrics  `toml:"metrics" yaml:"metrics"`
}

type FileIdentity struct {
	Name           string `toml:"name" yaml:"name"`
	InstanceScoped bool   `toml:"instance_scoped" yaml:"instance_scoped"`
}

type FileRemote struct {
	URL            string `toml:"url" yaml:"url"`
	Dir            string `toml:"dir" yaml:"dir"`
	Name           string `toml:"name" yaml:"name"`
	Branch         string `toml:"branch" yaml:"branch"`
	CloneTimeout   string `toml:"clone_timeout" yaml:"clone_timeout"`
	NetworkTimeout string `toml:"network_timeout" yaml:"network_timeout"`
	MaxAttempts    int    `toml:"max_attempts" yaml:"max_attempts"`
	BaseBackoff    string `toml:"base_backoff" yaml:"base_backoff"`
}

type FileLog struct {
	File       string `toml:"file" yaml:"file"`
	Level      string `toml:"level" yaml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

type FileMetrics struct {
	Textfile string `toml:"textfile" yaml:"textfile"`
}

// DefaultFile returns the built-in defaults in file form, with paths left
// relative to the project directory.
func DefaultFile() File {
	return File{
		Root:      defaults["root"].(string),
		StateFile: defaults["state_file"].(string),
		QueueFile: defaults["queue_file"].(string),
		HistoryDB: defaults["history_db"].(string),
		Threshold: defaults["threshold"].(float64),
		Remote: FileRemote{
			Dir:            defaults["remote.dir"].(string),
			Name:           defaults["remote.name"].(string),
			Branch:         defaults["remote.branch"].(string),
			CloneTimeout:   defaultDuration("remote.clone_timeout"),
			NetworkTimeout: defaultDuration("remote.network_timeout"),
			MaxAttempts:    defaults["remote.max_attempts"].(int),
			BaseBackoff:    defaultDuration("remote.base_backoff"),
		},
		Log: FileLog{
			Level:      defaults["log.level"].(string),
			MaxSizeMB:  defaults["log.max_size_mb"].(int),
			MaxBackups: defaults["log.max_backups"].(int),
			MaxAgeDays: defaults["log.max_age_days"].(int),
		},
	}
}

func defaultDuration(key string) string {
	return fmt.Sprint(defaults[key])
}

// File converts the effective configuration to its on-disk shape.
func (c *Config) File() File {
	return File{
		Root:      c.Root,
		StateFile: c.StateFile,
		QueueFile: c.QueueFile,
		HistoryDB: c.HistoryDB,
		Threshold: c.Threshold,
		Identity: FileIdentity{
			Name:           c.Identity.Name,
			InstanceScoped: c.Identity.InstanceScoped,
		},
		Remote: FileRemote{
			URL:            c.Remote.URL,
			Dir:            c.Remote.Dir,
			Name:           c.Remote.Name,
			Branch:         c.Remote.Branch,
			CloneTimeout:   c.Remote.CloneTimeout.String(),
			NetworkTimeout: c.Remote.NetworkTimeout.String(),
			MaxAttempts:    c.Remote.MaxAttempts,
			BaseBackoff:    c.Remote.BaseBackoff.String(),
		},
		Log: FileLog{
			File:       c.Log.File,
			Level:      c.Log.Level,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		},
		Metrics: FileMetrics{Textfile: c.Metrics.Textfile},
	}
}

// ErrExists is returned by Write when the target exists and force is off.
var ErrExists = errors.New("config file already exists")

// Write stores f as TOML at path.
func Write(path string, f File, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# sentinel configuration\n")
	buf.WriteString("# Every key can be overridden by SENTINEL_<KEY> (dots become underscores).\n\n")
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.File())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
