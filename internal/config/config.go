// Package config loads service configuration from built-in defaults, an
// optional YAML file, an optional .env file and the process environment, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full configuration shared by cmd/server, cmd/gateway and
// cmd/migrate. Each binary reads only the sections it needs.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	NATS      NATSConfig      `koanf:"nats"`
	Auth      AuthConfig      `koanf:"auth"`
	Matching  MatchingConfig  `koanf:"matching"`
	Session   SessionConfig   `koanf:"session"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type PostgresConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

type NATSConfig struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

type AuthConfig struct {
	JWTSecret  string `koanf:"jwt_secret"`
	CookieName string `koanf:"cookie_name"`
}

// MatchingConfig tunes the matchmaking orchestrator.
type MatchingConfig struct {
	Threshold       int           `koanf:"threshold"`
	QueueTTL        time.Duration `koanf:"queue_ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// SessionConfig tunes the session lifecycle manager.
type SessionConfig struct {
	ExpireAfter     time.Duration `koanf:"expire_after"`
	ExpireInterval  time.Duration `koanf:"expire_interval"`
	MaxMessageChars int           `koanf:"max_message_chars"`
}

type GatewayConfig struct {
	ListenAddr     string        `koanf:"listen_addr"`
	WorkerPoolSize int           `koanf:"worker_pool_size"`
	MaxConnections int           `koanf:"max_connections"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

// RateLimitConfig holds per-user request budgets. A zero limit disables the rule.
type RateLimitConfig struct {
	PollLimit     int           `koanf:"poll_limit"`
	PollWindow    time.Duration `koanf:"poll_window"`
	ActionLimit   int           `koanf:"action_limit"`
	ActionWindow  time.Duration `koanf:"action_window"`
	ConnectLimit  int           `koanf:"connect_limit"`
	ConnectWindow time.Duration `koanf:"connect_window"`
	IPLimit       int           `koanf:"ip_limit"`
	IPWindow      time.Duration `koanf:"ip_window"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks values that would make the service misbehave silently.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Matching.Threshold < 0 {
		errs = append(errs, fmt.Errorf("matching.threshold must be >= 0, got %d", c.Matching.Threshold))
	}

	durations := map[string]time.Duration{
		"matching.queue_ttl":        c.Matching.QueueTTL,
		"matching.cleanup_interval": c.Matching.CleanupInterval,
		"session.expire_after":      c.Session.ExpireAfter,
		"session.expire_interval":   c.Session.ExpireInterval,
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Session.MaxMessageChars <= 0 {
		errs = append(errs, fmt.Errorf("session.max_message_chars must be positive, got %d", c.Session.MaxMessageChars))
	}

	return errors.Join(errs...)
}
