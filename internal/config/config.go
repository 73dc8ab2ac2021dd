package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the outbound mail relay host.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Queue     QueueConfig     `koanf:"queue"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Admin     AdminConfig     `koanf:"admin"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig holds outbound adaptive pacing configuration.
//
// EnabledProviders and Providers are decoded as raw maps rather than typed
// structs: per-field values must degrade to a default on malformed input
// rather than fail the whole config load (see ratelimit.ConfigResolver), and the
// enabled-providers values accept bool, "true"/"false", or "1"/"0".
type RateLimitConfig struct {
	Enabled           bool                               `koanf:"enabled"`
	MetricsPort       int                                `koanf:"metrics_port"`
	MetricsListen     string                             `koanf:"metrics_listen"`
	MinDelay          int64                              `koanf:"min_delay"`
	MaxDelay          int64                              `koanf:"max_delay"`
	InitialDelay      int64                              `koanf:"initial_delay"`
	BackoffMultiplier float64                            `koanf:"backoff_multiplier"`
	RecoveryRate      float64                            `koanf:"recovery_rate"`
	SuccessThreshold  int64                              `koanf:"success_threshold"`
	CBThreshold       int64                              `koanf:"circuit_breaker_threshold"`
	CBDuration        int64                              `koanf:"circuit_breaker_duration"`
	StateFile         string                             `koanf:"state_file"`
	StateSaveInterval int64                              `koanf:"state_save_interval"`
	StateMaxAge       int64                              `koanf:"state_max_age"`
	EnabledProviders  map[string]interface{}             `koanf:"enabled_providers"`
	Providers         map[string]map[string]interface{}  `koanf:"providers"`
}

// DefaultRateLimitConfig returns sensible default adaptive pacing configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		MetricsPort:       8081,
		MinDelay:          1000,
		MaxDelay:          60000,
		InitialDelay:      5000,
		BackoffMultiplier: 1.5,
		RecoveryRate:      0.5,
		SuccessThreshold:  10,
		CBThreshold:       5,
		CBDuration:        60000,
		StateSaveInterval: 30000,
		StateMaxAge:       86400000,
		EnabledProviders:  map[string]interface{}{"*": true},
	}
}

// ServerConfig holds host identity configuration used as the HELO/EHLO
// hostname and for graceful shutdown timing.
type ServerConfig struct {
	Hostname        string `koanf:"hostname"`         // mail.example.com
	ShutdownTimeout string `koanf:"shutdown_timeout"` // Graceful shutdown timeout
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// QueueConfig holds Redis queue configuration
type QueueConfig struct {
	RedisURL    string `koanf:"redis_url"`     // Redis connection URL
	Prefix      string `koanf:"prefix"`        // Key prefix for queue entries
	MaxRetries  int    `koanf:"max_retries"`   // Maximum delivery attempts
	RetryMaxAge string `koanf:"retry_max_age"` // Max time to retry (e.g., "168h")
}

// DeliveryConfig holds outbound delivery configuration
type DeliveryConfig struct {
	Workers        int    `koanf:"workers"`          // Number of delivery workers
	ConnectTimeout string `koanf:"connect_timeout"`  // TCP connection timeout
	CommandTimeout string `koanf:"command_timeout"`  // SMTP command timeout
	MaxMessageSize int64  `koanf:"max_message_size"` // Max message size in bytes
	RequireTLS     bool   `koanf:"require_tls"`      // Require TLS for outbound
	VerifyTLS      bool   `koanf:"verify_tls"`       // Verify TLS certificates
	RelayHost      string `koanf:"relay_host"`       // Optional smarthost (host:port)
}

// AdminConfig holds admin HTTP surface configuration
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"` // Enable admin HTTP surface
	Port    int    `koanf:"port"`    // Admin port (default 8080)
	Listen  string `koanf:"listen"`  // Listen address (default 127.0.0.1)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			ShutdownTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			RedisURL:    "redis://localhost:6379/0",
			Prefix:      "mail",
			MaxRetries:  15,
			RetryMaxAge: "168h", // 7 days
		},
		Delivery: DeliveryConfig{
			Workers:        4,
			ConnectTimeout: "30s",
			CommandTimeout: "5m",
			MaxMessageSize: 26214400, // 25MB
			RequireTLS:     false,
			VerifyTLS:      true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8080,
			Listen:  "127.0.0.1",
		},
		RateLimit: DefaultRateLimitConfig(),
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}

	// Timeout validation
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	// Delivery validation
	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1")
	}
	if c.Delivery.Workers > 100 {
		return fmt.Errorf("delivery.workers cannot exceed 100")
	}
	if c.Delivery.MaxMessageSize < 1024 {
		return fmt.Errorf("delivery.max_message_size must be at least 1024 bytes")
	}
	if c.Delivery.MaxMessageSize > 100*1024*1024 {
		return fmt.Errorf("delivery.max_message_size cannot exceed 100MB (104857600 bytes)")
	}

	// Queue validation
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxRetries > 100 {
		return fmt.Errorf("queue.max_retries cannot exceed 100")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required")
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	// Admin validation
	if c.Admin.Enabled {
		if c.Admin.Port < 1 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin.port must be between 1 and 65535 (got: %d)", c.Admin.Port)
		}
		if c.Admin.Listen == "" {
			return fmt.Errorf("admin.listen is required when admin is enabled")
		}
	}

	// Rate limit validation is intentionally lenient: per the adaptive pacing
	// error-handling design, malformed or out-of-range values are corrected
	// in place rather than rejecting the whole config load.
	c.RateLimit.normalize()

	return nil
}

// normalize fills in defaulted or corrected values for fields that are
// missing or out of range, rather than failing config load over them.
func (r *RateLimitConfig) normalize() {
	d := DefaultRateLimitConfig()
	if r.MinDelay <= 0 {
		r.MinDelay = d.MinDelay
	}
	if r.MaxDelay <= 0 || r.MaxDelay < r.MinDelay {
		r.MaxDelay = d.MaxDelay
		if r.MaxDelay < r.MinDelay {
			r.MaxDelay = r.MinDelay
		}
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = d.InitialDelay
	}
	if r.InitialDelay < r.MinDelay {
		r.InitialDelay = r.MinDelay
	}
	if r.InitialDelay > r.MaxDelay {
		r.InitialDelay = r.MaxDelay
	}
	if r.BackoffMultiplier <= 1 {
		r.BackoffMultiplier = d.BackoffMultiplier
	}
	if r.RecoveryRate <= 0 || r.RecoveryRate >= 1 {
		r.RecoveryRate = d.RecoveryRate
	}
	if r.SuccessThreshold < 1 {
		r.SuccessThreshold = d.SuccessThreshold
	}
	if r.CBThreshold < 1 {
		r.CBThreshold = d.CBThreshold
	}
	if r.CBDuration <= 0 {
		r.CBDuration = d.CBDuration
	}
	if r.MetricsPort <= 0 || r.MetricsPort > 65535 {
		r.MetricsPort = d.MetricsPort
	}
	if r.StateSaveInterval < 0 {
		r.StateSaveInterval = d.StateSaveInterval
	}
	if r.StateMaxAge <= 0 {
		r.StateMaxAge = d.StateMaxAge
	}
	if r.EnabledProviders == nil {
		r.EnabledProviders = d.EnabledProviders
	}
}

// validateTimeouts ensures all timeout configurations are valid
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"delivery.connect_timeout": c.Delivery.ConnectTimeout,
		"delivery.command_timeout": c.Delivery.CommandTimeout,
		"queue.retry_max_age":      c.Queue.RetryMaxAge,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration < 0 {
			return fmt.Errorf("%s cannot be negative (got: %s)", name, timeout)
		}
		if duration == 0 {
			return fmt.Errorf("%s cannot be zero (got: %s)", name, timeout)
		}

		// Sanity checks for specific timeouts
		switch name {
		case "server.shutdown_timeout":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "delivery.connect_timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		case "delivery.command_timeout":
			if duration > 10*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 10m (got: %s)", name, timeout)
			}
		case "queue.retry_max_age":
			if duration > 30*24*time.Hour {
				return fmt.Errorf("%s is too long, maximum is 30d (got: %s)", name, timeout)
			}
		}
	}

	return nil
}
