// Package config loads the runcell configuration from an optional YAML file
// and applies RUNCELL_* environment overrides on top.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when no --config flag is given.
const DefaultPath = "/etc/runcell/runcell.yaml"

type Defaults struct {
	CPULimit   float64 `yaml:"cpu_limit"`
	MemLimitMB int     `yaml:"mem_limit_mb"`
}

type Config struct {
	// Root is the directory under which bundles/, states/ and containers/
	// live. Everything runcell persists is rooted here.
	Root string `yaml:"root"`

	// CgroupRoot is the mount point of the cgroup hierarchy.
	CgroupRoot string `yaml:"cgroup_root"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// SyncTimeoutMs bounds every bootstrap handshake read.
	SyncTimeoutMs int `yaml:"sync_timeout_ms"`

	Defaults Defaults `yaml:"defaults"`
}

func (c *Config) BundlesDir() string    { return filepath.Join(c.Root, "bundles") }
func (c *Config) StatesDir() string     { return filepath.Join(c.Root, "states") }
func (c *Config) ContainersDir() string { return filepath.Join(c.Root, "containers") }
func (c *Config) JournalPath() string   { return filepath.Join(c.Root, "journal.db") }

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Root:          "/tmp/runcell",
		CgroupRoot:    "/sys/fs/cgroup",
		LogLevel:      "warn",
		SyncTimeoutMs: 30000,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNCELL_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("RUNCELL_CGROUP_ROOT"); v != "" {
		cfg.CgroupRoot = v
	}
	if v := os.Getenv("RUNCELL_LOG"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNCELL_SYNC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SyncTimeoutMs = n
		}
	}
}

// SlogLevel maps the configured level name to a slog level. "trace" has no
// slog equivalent and maps to debug.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "trace", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
