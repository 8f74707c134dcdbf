// Package config holds the server's startup configuration: listen
// address, data directory, column families, TTL, cache, and the
// optional sideband endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Cache   CacheConfig   `yaml:"cache"`
	Backup  BackupConfig  `yaml:"backup"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host" env:"RANGEDB_HOST"`
	Port           int    `yaml:"port" env:"RANGEDB_PORT"`
	Token          string `yaml:"token" env:"RANGEDB_TOKEN"`
	HealthEnabled  bool   `yaml:"health_enabled" env:"RANGEDB_HEALTH_ENABLED"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"RANGEDB_METRICS_ENABLED"`
}

type EngineConfig struct {
	DataDir        string   `yaml:"data_dir" env:"RANGEDB_DATA_DIR"`
	ColumnFamilies []string `yaml:"column_families" env:"RANGEDB_COLUMN_FAMILIES"`
	TTLEnabled     bool     `yaml:"ttl_enabled" env:"RANGEDB_TTL_ENABLED"`
	TTLSeconds     int64    `yaml:"ttl_seconds" env:"RANGEDB_TTL_SECONDS"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled" env:"RANGEDB_CACHE_ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"RANGEDB_CACHE_TTL"`
}

type BackupConfig struct {
	RetentionCount int `yaml:"retention_count" env:"RANGEDB_BACKUP_RETENTION"`
}

type LoggingConfig struct {
	Level      string            `yaml:"level" env:"RANGEDB_LOG_LEVEL"`
	Format     string            `yaml:"format" env:"RANGEDB_LOG_FORMAT"`
	Components map[string]string `yaml:"components"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           7878,
			HealthEnabled:  true,
			MetricsEnabled: true,
		},
		Engine: EngineConfig{
			DataDir:        "./data",
			ColumnFamilies: []string{"default"},
			TTLEnabled:     false,
			TTLSeconds:     0,
		},
		Cache: CacheConfig{
			Enabled: false,
			TTL:     5 * time.Minute,
		},
		Backup: BackupConfig{
			RetentionCount: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromFile overlays YAML config at path onto c. A missing file is not
// an error: callers typically start from Default() and treat the config
// file as optional.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("RANGEDB_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("RANGEDB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if token := os.Getenv("RANGEDB_TOKEN"); token != "" {
		c.Server.Token = token
	}
	if v := os.Getenv("RANGEDB_HEALTH_ENABLED"); v != "" {
		c.Server.HealthEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RANGEDB_METRICS_ENABLED"); v != "" {
		c.Server.MetricsEnabled = strings.EqualFold(v, "true")
	}

	if dataDir := os.Getenv("RANGEDB_DATA_DIR"); dataDir != "" {
		c.Engine.DataDir = dataDir
	}
	if cfs := os.Getenv("RANGEDB_COLUMN_FAMILIES"); cfs != "" {
		c.Engine.ColumnFamilies = strings.Split(cfs, ",")
	}
	if v := os.Getenv("RANGEDB_TTL_ENABLED"); v != "" {
		c.Engine.TTLEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RANGEDB_TTL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Engine.TTLSeconds = n
		}
	}

	if v := os.Getenv("RANGEDB_CACHE_ENABLED"); v != "" {
		c.Cache.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RANGEDB_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = d
		}
	}

	if v := os.Getenv("RANGEDB_BACKUP_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backup.RetentionCount = n
		}
	}

	if v := os.Getenv("RANGEDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RANGEDB_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Engine.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if len(c.Engine.ColumnFamilies) == 0 {
		return fmt.Errorf("at least one column family is required")
	}
	if c.Backup.RetentionCount < 0 {
		return fmt.Errorf("backup retention count cannot be negative")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
