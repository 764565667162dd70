// Package config loads Flux server configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file named by FLUX_CONFIG, and FLUX_* environment variables. Later layers
// win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all environment variables read by Load.
const EnvPrefix = "FLUX"

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds the complete server configuration.
type Config struct {
	Env      Environment    `yaml:"env" envconfig:"ENV"`
	Port     string         `yaml:"port" envconfig:"PORT"`
	LogLevel string         `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Admin    AdminConfig    `yaml:"admin" envconfig:"ADMIN"`
	Limits   LimitsConfig   `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
}

// DatabaseConfig selects the gorm dialector and its DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"` // sqlite or postgres
	DSN    string `yaml:"dsn" envconfig:"DSN"`
}

// AdminConfig is the single administrator identity guarding the admin API.
type AdminConfig struct {
	User      string        `yaml:"user" envconfig:"LOGIN"` // FLUX_ADMIN_LOGIN
	Password  string        `yaml:"password" envconfig:"PASSWORD"`
	JWTSecret string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// LimitsConfig controls rate limiting of the public validation API.
type LimitsConfig struct {
	Requests int64  `yaml:"requests" envconfig:"REQUESTS"`
	Period   string `yaml:"period" envconfig:"PERIOD"`
	RedisURL string `yaml:"redis_url" envconfig:"REDIS_URL"` // empty: in-memory store
}

// MetricsConfig controls the Prometheus endpoint and inventory refresher.
type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED"`
	RefreshSchedule string `yaml:"refresh_schedule" envconfig:"REFRESH_SCHEDULE"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Env:      EnvDevelopment,
		Port:     "5000",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "flux.db",
		},
		Admin: AdminConfig{
			User:      "admin",
			Password:  "fluxadmin",
			JWTSecret: "change-this-secret",
			TokenTTL:  24 * time.Hour,
		},
		Limits: LimitsConfig{
			Requests: 60,
			Period:   "1m",
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			RefreshSchedule: "@every 1m",
		},
	}
}

// Load resolves the configuration from defaults, FLUX_CONFIG and the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FLUX_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Fields without a matching environment variable keep their current value.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	switch cfg.Env {
	case EnvDevelopment, EnvProduction:
	default:
		cfg.Env = EnvDevelopment
	}

	cfg.Admin.User = clean(cfg.Admin.User)
	cfg.Admin.Password = clean(cfg.Admin.Password)
	cfg.Admin.JWTSecret = clean(cfg.Admin.JWTSecret)
	cfg.Database.DSN = clean(cfg.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Admin.User == "" || c.Admin.Password == "" {
		return fmt.Errorf("admin user and password are required")
	}
	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret is required")
	}
	if c.Admin.TokenTTL <= 0 {
		return fmt.Errorf("admin token ttl must be positive")
	}
	if c.Limits.Requests < 0 {
		return fmt.Errorf("rate limit requests must not be negative")
	}
	if _, err := time.ParseDuration(c.Limits.Period); err != nil {
		return fmt.Errorf("invalid rate limit period %q: %w", c.Limits.Period, err)
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// clean trims whitespace and one pair of surrounding quotes, which
// frequently end up in values copied from .env files.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
