// Package config loads titan configuration from defaults, an optional YAML
// file and TITAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	API        APIConfig        `mapstructure:"api"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	v *viper.Viper
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// APIConfig holds the bearer token. An empty token disables auth.
type APIConfig struct {
	Token string `mapstructure:"token"`
}

type DownloaderConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	FinalDir         string        `mapstructure:"final_dir"`
	TempDir          string        `mapstructure:"temp_dir"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	CollisionPolicy  string        `mapstructure:"collision_policy"`
}

type HTTPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

// StoreConfig selects the task repository: sqlite, postgres or memory.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
//
// An explicit configPath must exist. Without one, a missing config file in
// the search paths leaves the defaults in place.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.titan")
	}

	v.SetEnvPrefix("TITAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("api.token", "")

	v.SetDefault("downloader.max_concurrent", 3)
	v.SetDefault("downloader.final_dir", "./downloads")
	v.SetDefault("downloader.temp_dir", "./data/tmp")
	v.SetDefault("downloader.progress_interval", time.Second)
	v.SetDefault("downloader.flush_interval", time.Second)
	v.SetDefault("downloader.collision_policy", "rename")

	v.SetDefault("http.connect_timeout", 30*time.Second)
	v.SetDefault("http.read_timeout", 5*time.Minute)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/titan.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate rejects values the process cannot run with.
func (c *Config) Validate() error {
	if c.Downloader.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: downloader.max_concurrent must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Downloader.FinalDir) == "" || strings.TrimSpace(c.Downloader.TempDir) == "" {
		return fmt.Errorf("%w: downloader.final_dir and downloader.temp_dir are required", ErrInvalidConfig)
	}
	switch c.Downloader.CollisionPolicy {
	case "rename", "overwrite", "error":
	default:
		return fmt.Errorf("%w: unknown downloader.collision_policy %q", ErrInvalidConfig, c.Downloader.CollisionPolicy)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// File returns the config file in use, or "" when running on defaults.
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes. Invalid reloads are reported through onErr and skipped. Watch
// is a no-op without a config file.
func (c *Config) Watch(fn func(*Config), onErr func(error)) {
	if c.File() == "" {
		return
	}
	var mu sync.Mutex
	c.v.OnConfigChange(func(fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		next, err := decode(c.v)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(next)
	})
	c.v.WatchConfig()
}
