// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultPort            = ":6789"
	defaultMaxMessageSize  = 4096
	defaultSendQueueSize   = 256
	defaultRateLimitBurst  = 20
	defaultRefillInterval  = time.Second
	defaultDatabasePath    = "chat.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection request rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Origins is a comma separated allow-list of WebSocket origins. "*" allows all.
type Origins []string

// UnmarshalEnvironmentValue parses a comma separated origin list.
func (o *Origins) UnmarshalEnvironmentValue(data string) error {
	*o = parseOrigins(data)
	return nil
}

// Config holds the relay configuration including transport and storage settings.
type Config struct {
	Port             string          `env:"SERVER_PORT"`
	AllowedOrigins   Origins         `env:"ALLOWED_ORIGINS"`
	MaxMessageSize   int64           `env:"MAX_MESSAGE_SIZE"`
	SendQueueSize    int             `env:"SEND_QUEUE_SIZE"`
	RateLimit        RateLimitConfig
	DatabasePath     string          `env:"DATABASE_PATH"`
	PasswordHashCost int             `env:"PASSWORD_HASH_COST"`
	LogLevel         string          `env:"LOG_LEVEL"`
	LogFormat        string          `env:"LOG_FORMAT"`
	ShutdownTimeout  time.Duration   `env:"SHUTDOWN_TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: Origins{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		SendQueueSize:  defaultSendQueueSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateLimitBurst,
			RefillInterval: defaultRefillInterval,
		},
		DatabasePath:     defaultDatabasePath,
		PasswordHashCost: bcrypt.DefaultCost,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		ShutdownTimeout:  defaultShutdownTimeout,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables. Unset
// variables keep their defaults; values that fail to parse are an error.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	sanitized := cfg.sanitize()
	return &sanitized, nil
}

// sanitize replaces out-of-range values with defaults and returns a copy that
// shares no slices with c.
func (c Config) sanitize() Config {
	cfg := c
	cfg.AllowedOrigins = append(Origins(nil), c.AllowedOrigins...)

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateLimitBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}

	if cfg.PasswordHashCost < bcrypt.MinCost || cfg.PasswordHashCost > bcrypt.MaxCost {
		cfg.PasswordHashCost = bcrypt.DefaultCost
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return cfg
}

func parseOrigins(origins string) Origins {
	parts := strings.Split(origins, ",")
	parsed := make(Origins, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parsed = append(parsed, trimmed)
		}
	}
	return parsed
}
