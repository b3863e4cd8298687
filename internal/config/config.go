// Package config loads and validates the runtime configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/logging"
)

// Config holds every runtime knob. Real environment variables win over
// .env entries.
type Config struct {
	Host string `env:"HOST" envDefault:"127.0.0.1"`
	Port int    `env:"PORT" envDefault:"8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// ShutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// MaxConnections caps concurrent clients. Zero means unlimited.
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"0"`

	// ConnRate and ConnBurst shape the global accept limiter. A zero
	// rate disables rate limiting entirely.
	ConnRate  float64 `env:"CONN_RATE" envDefault:"0"`
	ConnBurst int     `env:"CONN_BURST" envDefault:"0"`

	// ConnIPRate and ConnIPBurst override the per-IP buckets. Zero
	// means inherit the global values.
	ConnIPRate  float64 `env:"CONN_IP_RATE" envDefault:"0"`
	ConnIPBurst int     `env:"CONN_IP_BURST" envDefault:"0"`

	// NATSURL enables lifecycle event publishing when non-empty.
	NATSURL string `env:"NATS_URL" envDefault:""`
}

// Load reads the optional .env file and the environment, then validates
// the result. The logger is only used to note a missing .env file and
// may be nil.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks bounds and enumerations.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("HOST must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("LOG_FORMAT must be %q or %q, got %q", logging.FormatJSON, logging.FormatConsole, c.LogFormat)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must not be negative, got %d", c.MaxConnections)
	}
	if c.ConnRate < 0 || c.ConnIPRate < 0 {
		return fmt.Errorf("connection rates must not be negative")
	}
	if c.ConnRate > 0 && c.ConnBurst < 1 {
		return fmt.Errorf("CONN_BURST must be at least 1 when CONN_RATE is set, got %d", c.ConnBurst)
	}
	if c.ConnIPRate > 0 && c.ConnIPBurst < 1 {
		return fmt.Errorf("CONN_IP_BURST must be at least 1 when CONN_IP_RATE is set, got %d", c.ConnIPBurst)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Int("max_connections", c.MaxConnections).
		Float64("conn_rate", c.ConnRate).
		Int("conn_burst", c.ConnBurst).
		Bool("nats_enabled", c.NATSURL != "").
		Msg("configuration loaded")
}
