package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLE_PROXY_"

// Config holds application configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr" default:":8081"`
	APIPrefix  string `yaml:"api_prefix" default:"/api/v1/ble"`
	Enabled    bool   `yaml:"enabled" default:"true"`

	DefaultAdapter          string        `yaml:"default_adapter"`
	ConnectDiscoveryTimeout time.Duration `yaml:"connect_discovery_timeout" default:"10s"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout" default:"30s"`
	WriteTimeout            time.Duration `yaml:"write_timeout" default:"5s"`
	DiscoverTimeout         int           `yaml:"discover_default_timeout" default:"5"`
	CommandRate             float64       `yaml:"command_rate" default:"50"`
	CommandBurst            int           `yaml:"command_burst" default:"100"`

	// ProfileEnvPath is the env file {prefix}/profile/env writes to; empty disables it.
	ProfileEnvPath string `yaml:"profile_env_path"`

	CORSOrigins []string `yaml:"cors_origins"`

	LogLevel string `yaml:"log_level" default:"info"`
	LogJSON  bool   `yaml:"log_json"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.CORSOrigins = []string{"*"}
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file at
// path, then BLE_PROXY_* environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) (err error) {
			*dst, err = time.ParseDuration(v)
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) {
			*dst, err = strconv.ParseBool(v)
			return err
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("API_PREFIX", &c.APIPrefix)
	str("ADAPTER", &c.DefaultAdapter)
	str("LOG_LEVEL", &c.LogLevel)
	str("PROFILE_ENV_PATH", &c.ProfileEnvPath)
	parse("ENABLED", boolean(&c.Enabled))
	parse("LOG_JSON", boolean(&c.LogJSON))
	parse("CONNECT_DISCOVERY_TIMEOUT", duration(&c.ConnectDiscoveryTimeout))
	parse("CONNECT_TIMEOUT", duration(&c.ConnectTimeout))
	parse("WRITE_TIMEOUT", duration(&c.WriteTimeout))
	parse("DISCOVER_DEFAULT_TIMEOUT", func(v string) (err error) {
		c.DiscoverTimeout, err = strconv.Atoi(v)
		return err
	})
	parse("COMMAND_RATE", func(v string) (err error) {
		c.CommandRate, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("COMMAND_BURST", func(v string) (err error) {
		c.CommandBurst, err = strconv.Atoi(v)
		return err
	})
	parse("CORS_ORIGINS", func(v string) error {
		c.CORSOrigins = splitList(v)
		return nil
	})

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case !strings.HasPrefix(c.APIPrefix, "/"):
		return fmt.Errorf("api_prefix must start with '/': %q", c.APIPrefix)
	case c.ConnectDiscoveryTimeout <= 0:
		return fmt.Errorf("connect_discovery_timeout must be positive")
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("connect_timeout must be positive")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("write_timeout must be positive")
	case c.DiscoverTimeout < 1 || c.DiscoverTimeout > 30:
		return fmt.Errorf("discover_default_timeout must be between 1 and 30 seconds, got %d", c.DiscoverTimeout)
	case c.CommandRate < 0:
		return fmt.Errorf("command_rate must not be negative")
	case c.CommandBurst < 1:
		return fmt.Errorf("command_burst must be at least 1")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, _ := c.Level()
	logger.SetLevel(level)

	if c.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
