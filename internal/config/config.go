// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig selects and configures the job store backend.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BrowserConfig locates the headless browser and its download staging area.
type BrowserConfig struct {
	ExecPath    string `mapstructure:"exec_path"`
	DownloadDir string `mapstructure:"download_dir"`
}

// ExecutorConfig bounds the navigation and settling phases of a render.
type ExecutorConfig struct {
	NavTimeout        time.Duration `mapstructure:"nav_timeout"`
	NetworkIdleWindow time.Duration `mapstructure:"network_idle_window"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	FallbackWait      time.Duration `mapstructure:"fallback_wait"`
	MaxViewportWidth  int64         `mapstructure:"max_viewport_width"`
	MaxViewportHeight int64         `mapstructure:"max_viewport_height"`
}

// WorkerConfig controls the sequential worker loop.
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ArtifactsConfig controls where downloaded files end up after a render.
type ArtifactsConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "data/renderq.db")
	v.SetDefault("db.table", "jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.download_dir", "data/downloads")
	v.SetDefault("executor.nav_timeout", "30m")
	v.SetDefault("executor.network_idle_window", "500ms")
	v.SetDefault("executor.grace_period", "5s")
	v.SetDefault("executor.fallback_wait", "10s")
	v.SetDefault("executor.max_viewport_width", 3840)
	v.SetDefault("executor.max_viewport_height", 10000)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("artifacts.provider", "local")
	v.SetDefault("artifacts.base_dir", "data/artifacts")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.DB.Driver != "memory" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for driver %q", c.DB.Driver)
	}
	if c.Executor.NavTimeout <= 0 {
		return fmt.Errorf("executor.nav_timeout must be > 0")
	}
	if c.Executor.NetworkIdleWindow <= 0 {
		return fmt.Errorf("executor.network_idle_window must be > 0")
	}
	if c.Executor.MaxViewportWidth <= 0 || c.Executor.MaxViewportHeight <= 0 {
		return fmt.Errorf("executor viewport clamps must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	switch c.Artifacts.Provider {
	case "local", "memory", "noop":
	default:
		return fmt.Errorf("unknown artifacts.provider %q", c.Artifacts.Provider)
	}
	if c.Artifacts.Provider == "local" && c.Artifacts.BaseDir == "" {
		return fmt.Errorf("artifacts.base_dir must be set for the local provider")
	}
	return nil
}
