// Package config loads careflow configuration from a YAML file and CAREFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// AppName is the config file base name searched for when no path is given.
	AppName = "careflow"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "CAREFLOW"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"log"`

	Storage struct {
		Driver string `mapstructure:"driver"` // memory or redis

		Redis struct {
			Addr         string        `mapstructure:"addr"`
			Password     string        `mapstructure:"password"`
			DB           int           `mapstructure:"db"`
			PoolSize     int           `mapstructure:"pool_size"`
			MinIdleConns int           `mapstructure:"min_idle_conns"`
			IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
			Prefix       string        `mapstructure:"prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	Engine struct {
		MachineID      uint16        `mapstructure:"machine_id"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		Workers        int           `mapstructure:"workers"`
		MaxRetries     int           `mapstructure:"max_retries"`
		RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
		RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
		DispatchRate   float64       `mapstructure:"dispatch_rate"` // requests per second, 0 disables limiting
		DispatchBurst  int           `mapstructure:"dispatch_burst"`
	} `mapstructure:"engine"`

	Templates struct {
		Paths   []string `mapstructure:"paths"`
		Builtin bool     `mapstructure:"builtin"`
	} `mapstructure:"templates"`

	Decisions struct {
		// Rules maps "<template-id>/<block-id>" to label -> expr expression.
		Rules map[string]map[string]string `mapstructure:"rules"`
	} `mapstructure:"decisions"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
}

// Load reads configuration from cfgFile, or from careflow.yaml in the
// standard search paths when cfgFile is empty. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/careflow")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot constrain.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative, got %d", c.Engine.MaxRetries)
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be positive, got %s", c.Engine.SweepInterval)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
	v.SetDefault("log.file", "")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.prefix", "careflow:")

	v.SetDefault("engine.machine_id", 1)
	v.SetDefault("engine.sweep_interval", time.Minute)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_base_delay", time.Second)
	v.SetDefault("engine.retry_max_delay", 30*time.Second)
	v.SetDefault("engine.dispatch_rate", 0)
	v.SetDefault("engine.dispatch_burst", 1)

	v.SetDefault("templates.builtin", true)

	v.SetDefault("http.addr", ":8080")
}
