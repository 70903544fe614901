package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"plantsip-bridge/internal/plantsip"
)

const (
	authMethodAPIKey      = "api_key"
	authMethodCredentials = "credentials"
)

type Config struct {
	API struct {
		// UseDefaultServer selects the public server when Host is empty.
		// Unset means true.
		UseDefaultServer *bool         `yaml:"use_default_server"`
		Host             string        `yaml:"host"`
		AuthMethod       string        `yaml:"auth_method"` // "api_key" or "credentials"
		APIKey           string        `yaml:"api_key"`
		Username         string        `yaml:"username"`
		Password         string        `yaml:"password"`
		Timeout          time.Duration `yaml:"timeout"`
		RefreshInterval  time.Duration `yaml:"refresh_interval"`
		DeviceTimeout    time.Duration `yaml:"device_timeout"`
		MaxParallel      int           `yaml:"max_parallel"`
		Retry            struct {
			MaxAttempts     int           `yaml:"max_attempts"`
			InitialInterval time.Duration `yaml:"initial_interval"`
		} `yaml:"retry"`
		Breaker struct {
			Failures int           `yaml:"failures"`
			OpenFor  time.Duration `yaml:"open_for"`
		} `yaml:"breaker"`
	} `yaml:"api"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets secrets stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLANTSIP_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PLANTSIP_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("PLANTSIP_USERNAME"); v != "" {
		cfg.API.Username = v
	}
	if v := os.Getenv("PLANTSIP_PASSWORD"); v != "" {
		cfg.API.Password = v
	}
}

func applyDefaults(cfg *Config) {
	cfg.API.Host = strings.TrimRight(strings.TrimSpace(cfg.API.Host), "/")
	if cfg.API.Host == "" && cfg.useDefaultServer() {
		cfg.API.Host = plantsip.DefaultHost
	}
	if cfg.API.AuthMethod == "" {
		if cfg.API.APIKey != "" {
			cfg.API.AuthMethod = authMethodAPIKey
		} else {
			cfg.API.AuthMethod = authMethodCredentials
		}
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = plantsip.DefaultTimeout
	}
	if cfg.API.RefreshInterval == 0 {
		cfg.API.RefreshInterval = 2 * time.Minute
	}
	if cfg.API.DeviceTimeout == 0 {
		cfg.API.DeviceTimeout = cfg.API.Timeout
	}
	if cfg.API.MaxParallel == 0 {
		cfg.API.MaxParallel = 4
	}
	if cfg.API.Retry.MaxAttempts == 0 {
		cfg.API.Retry.MaxAttempts = 3
	}
	if cfg.API.Retry.InitialInterval == 0 {
		cfg.API.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.API.Breaker.Failures == 0 {
		cfg.API.Breaker.Failures = 5
	}
	if cfg.API.Breaker.OpenFor == 0 {
		cfg.API.Breaker.OpenFor = 30 * time.Second
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "plantsip-bridge.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "plantsip"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
}

func (c *Config) useDefaultServer() bool {
	return c.API.UseDefaultServer == nil || *c.API.UseDefaultServer
}

// validate checks the static configuration. Credentials for the
// "credentials" method are checked during bootstrap, since a key minted on
// an earlier run may already be stored.
func (c *Config) validate() error {
	if c.API.Host == "" {
		return &SetupError{Field: "api.host", Code: codeCustomHostRequired}
	}
	u, err := url.Parse(c.API.Host)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.host must be an http(s) URL, got %q", c.API.Host)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.API.RefreshInterval < 0 {
		return fmt.Errorf("api.refresh_interval must be positive, got %s", c.API.RefreshInterval)
	}
	if c.API.MaxParallel < 0 {
		return fmt.Errorf("api.max_parallel must be positive, got %d", c.API.MaxParallel)
	}
	switch c.API.AuthMethod {
	case authMethodAPIKey:
		if strings.TrimSpace(c.API.APIKey) == "" {
			return fmt.Errorf("api.api_key is required for auth_method %q", authMethodAPIKey)
		}
	case authMethodCredentials:
	default:
		return fmt.Errorf("api.auth_method must be %q or %q, got %q", authMethodAPIKey, authMethodCredentials, c.API.AuthMethod)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
