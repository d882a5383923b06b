package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port int    `env:"KRMX_PORT" envDefault:"8082"`
	Path string `env:"KRMX_PATH" envDefault:"/"`

	// Admin endpoint (health + metrics); empty disables it
	AdminAddr string `env:"KRMX_ADMIN_ADDR" envDefault:":9090"`

	// Protocol behavior
	Metadata       bool `env:"KRMX_METADATA" envDefault:"false"`
	AcceptNewUsers bool `env:"KRMX_ACCEPT_NEW_USERS" envDefault:"true"`

	// Rate limiting (inbound frames per connection, 0 disables)
	FrameRate  float64 `env:"KRMX_FRAME_RATE" envDefault:"0"`
	FrameBurst int     `env:"KRMX_FRAME_BURST" envDefault:"16"`

	// Authentication. When set, link attempts must carry a valid HS256
	// token whose subject equals the requested username.
	JWTSecret string `env:"KRMX_JWT_SECRET"`

	// Accept gate. When set, the websocket upgrade requires
	// ?token=<value> in the URL.
	AcceptToken string `env:"KRMX_ACCEPT_TOKEN"`

	// NATS bridge; empty disables it
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment
	// variables come from the deployment.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("KRMX_PORT must be 0-65535, got %d", c.Port)
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("KRMX_FRAME_RATE must be >= 0, got %.1f", c.FrameRate)
	}
	if c.FrameBurst < 0 {
		return fmt.Errorf("KRMX_FRAME_BURST must be >= 0, got %d", c.FrameBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

func (c *Config) frameRate() rate.Limit { return rate.Limit(c.FrameRate) }

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.Port).
		Str("path", c.Path).
		Str("admin_addr", c.AdminAddr).
		Bool("metadata", c.Metadata).
		Bool("accept_new_users", c.AcceptNewUsers).
		Float64("frame_rate", c.FrameRate).
		Int("frame_burst", c.FrameBurst).
		Bool("jwt_enabled", c.JWTSecret != "").
		Bool("accept_token_enabled", c.AcceptToken != "").
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
