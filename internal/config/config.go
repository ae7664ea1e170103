// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

var (
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrInvalidPath      = errors.New("invalid mcp path")
)

// Config for the weather MCP server.
type Config struct {
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// MCPPath is the endpoint path. ENV: MCP_PATH
	MCPPath string `env:"MCP_PATH,default=/mcp"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=text"`
	// AllowOrigin is sent as Access-Control-Allow-Origin. ENV: CORS_ALLOW_ORIGIN
	AllowOrigin string `env:"CORS_ALLOW_ORIGIN,default=*"`
	// SessionIdleTimeout closes sessions idle for longer. Zero disables
	// expiry. ENV: SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=0s"`
	// SessionReapInterval is how often idle sessions are checked.
	// ENV: SESSION_REAP_INTERVAL
	SessionReapInterval time.Duration `env:"SESSION_REAP_INTERVAL,default=1m"`
	// SSEKeepAlive is the interval between stream keep-alive comments.
	// ENV: SSE_KEEPALIVE
	SSEKeepAlive time.Duration `env:"SSE_KEEPALIVE,default=25s"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	// RedisAddr selects the Redis stream host when set; otherwise messages
	// are buffered in memory. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
}

// Load decodes Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.MCPPath, "/") {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, c.MCPPath)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("invalid session idle timeout %s", c.SessionIdleTimeout)
	}
	if c.SessionIdleTimeout > 0 && c.SessionReapInterval <= 0 {
		return fmt.Errorf("invalid session reap interval %s", c.SessionReapInterval)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// JSONLogs reports whether logs should be written as JSON.
func (c *Config) JSONLogs() bool { return strings.EqualFold(c.LogFormat, "json") }
