// Package config loads anchorctl configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANCHORAGE_"

// Config is the anchorctl configuration.
type Config struct {
	ReplicaID string        `yaml:"replica_id"`
	Log       LogConfig     `yaml:"log"`
	Journal   JournalConfig `yaml:"journal"`
	Redis     RedisConfig   `yaml:"redis"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
	WithSource  bool   `yaml:"with_source"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// JournalConfig configures the bbolt journal. An empty path disables it.
type JournalConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures replication over redis. An empty address disables it.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	MaxRetries uint64 `yaml:"max_retries"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Environment: "dev",
		},
		Journal: JournalConfig{
			Timeout: time.Second,
		},
		Redis: RedisConfig{
			Prefix:     "anchorage:doc:",
			MaxRetries: 5,
		},
	}
}

// DefaultPath returns ~/.anchorage/config.yaml, or "" if the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".anchorage", "config.yaml")
}

// Load reads the configuration. Values come from defaults, then the file at
// path, then ANCHORAGE_* environment variables. A missing file is an error
// only when required is set.
func Load(path string, required bool) (*Config, error) {
	return load(path, required, os.Getenv)
}

func load(path string, required bool, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("REPLICA_ID", &cfg.ReplicaID)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_ENV", &cfg.Log.Environment)
	str("LOG_FILE", &cfg.Log.File)
	str("JOURNAL", &cfg.Journal.Path)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("REDIS_PREFIX", &cfg.Redis.Prefix)

	if v := getenv(EnvPrefix + "REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		cfg.Redis.DB = db
	}
	if v := getenv(EnvPrefix + "JOURNAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sJOURNAL_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.Journal.Timeout = d
	}
	return nil
}
