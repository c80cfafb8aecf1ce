// Package config loads daemon configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/stridegate/stridegate/internal/statebus"
)

// Config holds the complete application configuration
type Config struct {
	DataDir   string         `mapstructure:"data_dir"`
	StepsFile string         `mapstructure:"steps_file"`
	Credits   CreditsConfig  `mapstructure:"credits"`
	Schedule  ScheduleConfig `mapstructure:"schedule"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Bus       BusConfig      `mapstructure:"bus"`
	API       APIConfig      `mapstructure:"api"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Agent     AgentConfig    `mapstructure:"agent"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// CreditsConfig defines the step-to-minute conversion rate
type CreditsConfig struct {
	StepsPerUnit   int `mapstructure:"steps_per_unit"`
	MinutesPerUnit int `mapstructure:"minutes_per_unit"`
}

// ScheduleConfig seeds the blocking window on first run. Later edits are
// persisted in the store; this section only matters before any edit.
type ScheduleConfig struct {
	StartHour   int   `mapstructure:"start_hour"`
	StartMinute int   `mapstructure:"start_minute"`
	EndHour     int   `mapstructure:"end_hour"`
	EndMinute   int   `mapstructure:"end_minute"`
	ActiveDays  []int `mapstructure:"active_days"` // 0=Sunday .. 6=Saturday
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "file" or "encrypted"
}

// BusConfig selects the state bus backend
type BusConfig struct {
	Backend string               `mapstructure:"backend"` // "file" or "redis"
	Redis   statebus.RedisConfig `mapstructure:"redis"`
}

// APIConfig defines the local control API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// MetricsConfig defines the Prometheus endpoints. The coordinator and the
// agent are separate processes, so each exposes its own listener.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Listen      string `mapstructure:"listen"`
	AgentListen string `mapstructure:"agent_listen"`
}

// AgentConfig defines enforcement agent behavior
type AgentConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	BlockedProcesses  []string      `mapstructure:"blocked_processes"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Loader wraps viper so callers can watch for config file changes.
type Loader struct {
	v *viper.Viper
}

// Load loads configuration from file and environment variables. An empty
// configPath falls back to defaults plus environment only.
func Load(configPath string) (*Config, *Loader, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("stridegate")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.stridegate")
		v.AddConfigPath("/etc/stridegate")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("STRIDEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and environment only.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, &Loader{v: v}, nil
}

// Watch re-reads the config file on change and invokes onChange with the
// fresh config. Invalid edits are skipped; the previous config stays live.
func (l *Loader) Watch(onChange func(Config)) {
	l.v.OnConfigChange(func(in fsnotify.Event) {
		var config Config
		if err := l.v.Unmarshal(&config); err != nil {
			return
		}
		if err := validate(&config); err != nil {
			return
		}
		onChange(config)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".stridegate")

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("steps_file", filepath.Join(dataDir, "steps"))

	v.SetDefault("credits.steps_per_unit", 1000)
	v.SetDefault("credits.minutes_per_unit", 10)

	v.SetDefault("schedule.start_hour", 9)
	v.SetDefault("schedule.start_minute", 0)
	v.SetDefault("schedule.end_hour", 21)
	v.SetDefault("schedule.end_minute", 0)
	v.SetDefault("schedule.active_days", []int{0, 1, 2, 3, 4, 5, 6})

	v.SetDefault("storage.backend", "encrypted")

	v.SetDefault("bus.backend", "file")
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.db", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:7420")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9420")
	v.SetDefault("metrics.agent_listen", "127.0.0.1:9421")

	v.SetDefault("agent.reconcile_interval", "5s")
	v.SetDefault("agent.blocked_processes", []string{})

	v.SetDefault("logging.level", "info")
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.Credits.StepsPerUnit <= 0 {
		return fmt.Errorf("credits.steps_per_unit must be positive: %d", cfg.Credits.StepsPerUnit)
	}
	if cfg.Credits.MinutesPerUnit <= 0 {
		return fmt.Errorf("credits.minutes_per_unit must be positive: %d", cfg.Credits.MinutesPerUnit)
	}

	switch cfg.Storage.Backend {
	case "file", "encrypted":
	default:
		return fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}

	switch cfg.Bus.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown bus backend: %q", cfg.Bus.Backend)
	}

	for _, day := range cfg.Schedule.ActiveDays {
		if day < 0 || day > 6 {
			return fmt.Errorf("invalid schedule day: %d", day)
		}
	}

	if cfg.Agent.ReconcileInterval < 0 {
		return fmt.Errorf("agent.reconcile_interval must not be negative")
	}

	return nil
}

// Weekdays converts the config's numeric active days.
func (c ScheduleConfig) Weekdays() []time.Weekday {
	days := make([]time.Weekday, 0, len(c.ActiveDays))
	for _, d := range c.ActiveDays {
		days = append(days, time.Weekday(d))
	}
	return days
}
