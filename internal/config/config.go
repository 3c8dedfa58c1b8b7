// Package config loads the daemon configuration from TOML and PREVIEWR_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/logger"
)

const EnvPrefix = "PREVIEWR"

// Config represents the top-level TOML structure.
type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Sandbox   SandboxConfig   `toml:"sandbox" mapstructure:"sandbox"`
	DevServer DevServerConfig `toml:"devserver" mapstructure:"devserver"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type SandboxConfig struct {
	Backend     string        `toml:"backend" mapstructure:"backend"` // local | docker
	Root        string        `toml:"root" mapstructure:"root"`       // local: parent of project directories
	Host        string        `toml:"host" mapstructure:"host"`       // host used in public URLs
	Image       string        `toml:"image" mapstructure:"image"`     // docker only
	Workdir     string        `toml:"workdir" mapstructure:"workdir"` // docker only
	MemoryMB    int           `toml:"memory_mb" mapstructure:"memory_mb"`
	CPULimit    float64       `toml:"cpu_limit" mapstructure:"cpu_limit"`
	ExecTimeout time.Duration `toml:"exec_timeout" mapstructure:"exec_timeout"`
}

type DevServerConfig struct {
	Ports                 []int         `toml:"ports" mapstructure:"ports"`
	LogFile               string        `toml:"log_file" mapstructure:"log_file"`
	CacheTTL              time.Duration `toml:"cache_ttl" mapstructure:"cache_ttl"`
	ReadyTimeout          time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	AutostartGrace        time.Duration `toml:"autostart_grace" mapstructure:"autostart_grace"`
	StreamInterval        time.Duration `toml:"stream_interval" mapstructure:"stream_interval"`
	MaxConcurrentLaunches int           `toml:"max_concurrent_launches" mapstructure:"max_concurrent_launches"`
	LogTailLines          int           `toml:"log_tail_lines" mapstructure:"log_tail_lines"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"` // text | json
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig lists lifecycle history sinks by DSN
// (sqlite://, postgres://, clickhouse://).
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: "127.0.0.1:8080", BasePath: "/api"},
		Sandbox: SandboxConfig{
			Backend:     "local",
			Root:        "./projects",
			Host:        "localhost",
			Image:       "node:20-alpine",
			Workdir:     "/workspace",
			ExecTimeout: 10 * time.Second,
		},
		DevServer: DevServerConfig{
			Ports:                 devserver.Ports(),
			LogFile:               devserver.LogFileName,
			CacheTTL:              devserver.CacheTTL,
			ReadyTimeout:          devserver.ReadyTimeout,
			AutostartGrace:        devserver.AutostartWait,
			StreamInterval:        devserver.StreamEvery,
			MaxConcurrentLaunches: 8,
			LogTailLines:          devserver.LogTailLines,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Color:      true,
			Timestamps: true,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9090"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)

	v.SetDefault("sandbox.backend", d.Sandbox.Backend)
	v.SetDefault("sandbox.root", d.Sandbox.Root)
	v.SetDefault("sandbox.host", d.Sandbox.Host)
	v.SetDefault("sandbox.image", d.Sandbox.Image)
	v.SetDefault("sandbox.workdir", d.Sandbox.Workdir)
	v.SetDefault("sandbox.memory_mb", d.Sandbox.MemoryMB)
	v.SetDefault("sandbox.cpu_limit", d.Sandbox.CPULimit)
	v.SetDefault("sandbox.exec_timeout", d.Sandbox.ExecTimeout)

	v.SetDefault("devserver.ports", d.DevServer.Ports)
	v.SetDefault("devserver.log_file", d.DevServer.LogFile)
	v.SetDefault("devserver.cache_ttl", d.DevServer.CacheTTL)
	v.SetDefault("devserver.ready_timeout", d.DevServer.ReadyTimeout)
	v.SetDefault("devserver.autostart_grace", d.DevServer.AutostartGrace)
	v.SetDefault("devserver.stream_interval", d.DevServer.StreamInterval)
	v.SetDefault("devserver.max_concurrent_launches", d.DevServer.MaxConcurrentLaunches)
	v.SetDefault("devserver.log_tail_lines", d.DevServer.LogTailLines)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.timestamps", d.Log.Timestamps)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.dsns", []string{})
}

// Load reads path (optional) on top of the defaults and applies
// PREVIEWR_<SECTION>_<KEY> environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	var errs []error
	switch c.Sandbox.Backend {
	case "local":
		if c.Sandbox.Root == "" {
			errs = append(errs, errors.New("sandbox.root is required for the local backend"))
		}
	case "docker":
		if c.Sandbox.Image == "" {
			errs = append(errs, errors.New("sandbox.image is required for the docker backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be local or docker, got %q", c.Sandbox.Backend))
	}
	if len(c.DevServer.Ports) == 0 {
		errs = append(errs, errors.New("devserver.ports must not be empty"))
	}
	for _, p := range c.DevServer.Ports {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("devserver.ports: invalid port %d", p))
		}
	}
	if strings.Contains(c.DevServer.LogFile, "..") || strings.HasPrefix(c.DevServer.LogFile, "/") {
		errs = append(errs, fmt.Errorf("devserver.log_file must be relative to the project, got %q", c.DevServer.LogFile))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.dsns is required when history is enabled"))
	}
	return errors.Join(errs...)
}

// Logger converts the [log] section into a logger configuration.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(l.Level),
			Format:     logger.Format(l.Format),
			Color:      l.Color,
			TimeStamps: l.Timestamps,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}
