// Package config provides YAML-based configuration loading for Palaver.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level Palaver configuration, loaded from palaver.yaml.
type Config struct {
	UserID      string            `yaml:"user_id"`
	Collection  string            `yaml:"collection"`
	Store       StoreConfig       `yaml:"store"`
	Backend     BackendConfig     `yaml:"backend"`
	Auth        AuthConfig        `yaml:"auth"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// StoreConfig selects and locates the durable message store.
type StoreConfig struct {
	Driver   string `yaml:"driver"`   // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`     // sqlite file, ":memory:" for an ephemeral store
	Host     string `yaml:"host"`     // mysql only
	Port     int    `yaml:"port"`     // mysql only
	Database string `yaml:"database"` // mysql only
	User     string `yaml:"user"`     // mysql only

	// Maintenance is a cron expression for periodic sqlite upkeep while
	// serving. Empty disables it.
	Maintenance string `yaml:"maintenance"`
}

// BackendConfig holds settings for the remote completion endpoint.
type BackendConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// AuthConfig tells Palaver where to find the bearer credential.
type AuthConfig struct {
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// CoordinatorConfig tunes the response coordinator.
type CoordinatorConfig struct {
	ContextWindow int           `yaml:"context_window"`
	Watchdog      time.Duration `yaml:"watchdog"` // 0 disables the in-flight watchdog
}

// ServerConfig holds settings for the local HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveToken returns the configured credential, falling back to the
// environment variable named by TokenEnv.
func (a AuthConfig) ResolveToken() string {
	if a.Token != "" {
		return a.Token
	}
	if a.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(a.TokenEnv))
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Collection == "" {
		c.Collection = "general_knowledge"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			c.Store.Path = "palaver.db"
		}
	case DriverMySQL:
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" {
			c.Store.Database = "palaver"
		}
	}
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 60 * time.Second
	}
	if c.Backend.Burst == 0 {
		c.Backend.Burst = 1
	}
	if c.Auth.TokenEnv == "" {
		c.Auth.TokenEnv = "PALAVER_TOKEN"
	}
	if c.Coordinator.ContextWindow == 0 {
		c.Coordinator.ContextWindow = 10
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.UserID == "" {
		errs = append(errs, "user_id is required")
	}
	if c.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (want sqlite or mysql)", c.Store.Driver))
	}
	if c.Store.Maintenance != "" {
		if _, err := cron.ParseStandard(c.Store.Maintenance); err != nil {
			errs = append(errs, fmt.Sprintf("store.maintenance %q: %v", c.Store.Maintenance, err))
		}
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, "backend.timeout must not be negative")
	}
	if c.Backend.RateLimit < 0 {
		errs = append(errs, "backend.rate_limit must not be negative")
	}
	if c.Coordinator.ContextWindow < 0 {
		errs = append(errs, "coordinator.context_window must not be negative")
	}
	if c.Coordinator.Watchdog < 0 {
		errs = append(errs, "coordinator.watchdog must not be negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (want console or json)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
