// Package config loads the application's layered configuration: YAML
// defaults, a config file, and environment overrides, following the
// teacher's viper-based loader shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level configuration tree.
type Config struct {
	Download   DownloadConfig   `mapstructure:"download" yaml:"download"`
	HostPolicy HostPolicyConfig `mapstructure:"host_policy" yaml:"host_policy"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Control    ControlConfig    `mapstructure:"control" yaml:"control"`
}

// DownloadConfig tunes the segmented-download engine's concurrency and
// output location.
type DownloadConfig struct {
	OutDir                string `mapstructure:"out_dir" yaml:"out_dir"`
	MaxTotalConnections   int    `mapstructure:"max_total_connections" yaml:"max_total_connections"`
	MaxConnectionsPerHost int    `mapstructure:"max_connections_per_host" yaml:"max_connections_per_host"`
	MaxConcurrentJobs     int    `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	MaxBytesPerSec        int64  `mapstructure:"max_bytes_per_sec" yaml:"max_bytes_per_sec"`
	SegmentBufferBytes    int    `mapstructure:"segment_buffer_bytes" yaml:"segment_buffer_bytes"`
	Overwrite             bool   `mapstructure:"overwrite" yaml:"overwrite"`
}

// HostPolicyConfig bounds the per-origin adaptive segment count.
type HostPolicyConfig struct {
	MinSegments  int    `mapstructure:"min_segments" yaml:"min_segments"`
	MaxSegments  int    `mapstructure:"max_segments" yaml:"max_segments"`
	SnapshotPath string `mapstructure:"snapshot_path" yaml:"snapshot_path"`
}

// RetryConfig mirrors internal/retry.Policy's fields in YAML-friendly
// units (milliseconds/seconds instead of time.Duration).
type RetryConfig struct {
	MaxAttempts     uint32 `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelayMillis int64  `mapstructure:"base_delay_millis" yaml:"base_delay_millis"`
	MaxDelaySecs    int64  `mapstructure:"max_delay_secs" yaml:"max_delay_secs"`
}

// LogConfig is identical in shape to the teacher's LogConfig.
type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// StoreConfig locates the job database.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// ControlConfig locates the pause/cancel control socket.
type ControlConfig struct {
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`
}

// Load reads path (defaulting to "config.yaml"), falling back to
// /config/config.yaml when unset and absent (container convention),
// applies GODLM_-prefixed environment overrides, and validates the
// result, filling safe defaults rather than failing outright wherever
// the teacher's own config.validate does the same.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path != "config.yaml" {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
			path = "/config/config.yaml"
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()

	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.max_total_connections", 64)
	v.SetDefault("download.max_connections_per_host", 16)
	v.SetDefault("download.max_concurrent_jobs", 4)
	v.SetDefault("download.max_bytes_per_sec", 0)
	v.SetDefault("download.segment_buffer_bytes", 0)
	v.SetDefault("download.overwrite", false)
	v.SetDefault("host_policy.min_segments", 4)
	v.SetDefault("host_policy.max_segments", 16)
	v.SetDefault("host_policy.snapshot_path", "host_policy.json")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay_millis", 250)
	v.SetDefault("retry.max_delay_secs", 30)
	v.SetDefault("log.path", "godlm.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "jobs.db")
	v.SetDefault("control.socket_path", "control.sock")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("GODLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.validate()
	return &cfg, nil
}

// LoadOrInit behaves like Load, except a missing file at path is not an
// error: it is created with built-in defaults (as YAML) first, then
// loaded normally. This is what the CLI entry point uses so a first run
// doesn't require hand-writing a config file.
func LoadOrInit(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			return nil, fmt.Errorf("write default config %s: %w", path, err)
		}
	}
	return Load(path)
}

func writeDefaultConfig(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	cfg := Config{
		HostPolicy: HostPolicyConfig{SnapshotPath: "host_policy.json"},
		Log:        LogConfig{Level: "info", IncludeStdout: true},
	}
	cfg.validate()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) validate() {
	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}
	if c.Download.MaxTotalConnections <= 0 {
		c.Download.MaxTotalConnections = 64
	}
	if c.Download.MaxConnectionsPerHost <= 0 {
		c.Download.MaxConnectionsPerHost = 16
	}
	if c.Download.MaxConcurrentJobs <= 0 {
		c.Download.MaxConcurrentJobs = 4
	}
	if c.HostPolicy.MinSegments <= 0 {
		c.HostPolicy.MinSegments = 4
	}
	if c.HostPolicy.MaxSegments < c.HostPolicy.MinSegments {
		c.HostPolicy.MaxSegments = c.HostPolicy.MinSegments
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelayMillis <= 0 {
		c.Retry.BaseDelayMillis = 250
	}
	if c.Retry.MaxDelaySecs <= 0 {
		c.Retry.MaxDelaySecs = 30
	}
	if c.Log.Path == "" {
		c.Log.Path = "godlm.log"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "jobs.db"
	}
	if c.Control.SocketPath == "" {
		c.Control.SocketPath = "control.sock"
	}
}
