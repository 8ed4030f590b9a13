// Package config loads runtime settings for the collaboration server from
// defaults, an optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit bounds how many inbound events a single connection may send.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Persistence tunes the debounced write-through to the durable store.
type Persistence struct {
	Debounce    time.Duration `yaml:"debounce"`
	MaxWait     time.Duration `yaml:"max_wait"`
	MaxAttempts int           `yaml:"max_attempts"`
	ChatQueue   int           `yaml:"chat_queue"`
}

// Retention controls pruning of persisted chat history.
type Retention struct {
	ChatMaxAge time.Duration `yaml:"chat_max_age"`
	Schedule   string        `yaml:"schedule"`
}

type Config struct {
	Port            string        `yaml:"port"`
	DBPath          string        `yaml:"db_path"`
	RedisAddr       string        `yaml:"redis_addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	DefaultLanguage string        `yaml:"default_language"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	ChatReplaySize  int           `yaml:"chat_replay_size"`
	ProfileTimeout  time.Duration `yaml:"profile_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustClientUserID lets unauthenticated connections pick their own user
	// id through the userId query parameter instead of receiving a guest id.
	TrustClientUserID bool `yaml:"trust_client_user_id"`

	RateLimit   RateLimit   `yaml:"rate_limit"`
	Persistence Persistence `yaml:"persistence"`
	Retention   Retention   `yaml:"retention"`
}

func Default() Config {
	return Config{
		Port:              "8080",
		DBPath:            "./data/codecollab.db",
		AllowedOrigins:    []string{"http://localhost:3000"},
		LogLevel:          "info",
		LogFormat:         "json",
		DefaultLanguage:   "javascript",
		MaxMessageSize:    1024 * 1024,
		SendBufferSize:    256,
		ChatReplaySize:    50,
		ProfileTimeout:    200 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		TrustClientUserID: true,
		RateLimit: RateLimit{
			PerSecond: 100,
			Burst:     200,
		},
		Persistence: Persistence{
			Debounce:    2 * time.Second,
			MaxWait:     10 * time.Second,
			MaxAttempts: 3,
			ChatQueue:   1024,
		},
		Retention: Retention{
			ChatMaxAge: 30 * 24 * time.Hour,
			Schedule:   "@daily",
		},
	}
}

// Load builds the configuration. COLLAB_CONFIG_FILE, when set, names a YAML
// file applied over the defaults; environment variables win over both.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("COLLAB_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.DBPath = getEnvOrDefault("COLLAB_DB_PATH", c.DBPath)
	c.RedisAddr = getEnvOrDefault("REDIS_ADDR", c.RedisAddr)
	c.JWTSecret = getEnvOrDefault("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)
	c.DefaultLanguage = getEnvOrDefault("DEFAULT_LANGUAGE", c.DefaultLanguage)
	c.Retention.Schedule = getEnvOrDefault("RETENTION_SCHEDULE", c.Retention.Schedule)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}

	var errs []error
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	setDuration("PERSIST_DEBOUNCE", &c.Persistence.Debounce)
	setDuration("PERSIST_MAX_WAIT", &c.Persistence.MaxWait)
	setDuration("CHAT_RETENTION", &c.Retention.ChatMaxAge)
	setDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	setDuration("PROFILE_TIMEOUT", &c.ProfileTimeout)
	setInt("PERSIST_MAX_ATTEMPTS", &c.Persistence.MaxAttempts)
	setInt("CHAT_REPLAY_SIZE", &c.ChatReplaySize)
	setInt("SEND_BUFFER_SIZE", &c.SendBufferSize)
	setInt("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE: %w", err))
		} else {
			c.MaxMessageSize = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_SECOND: %w", err))
		} else {
			c.RateLimit.PerSecond = f
		}
	}
	if v := os.Getenv("TRUST_CLIENT_USER_ID"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRUST_CLIENT_USER_ID: %w", err))
		} else {
			c.TrustClientUserID = b
		}
	}

	return errors.Join(errs...)
}

// sanitize replaces non-positive tuning values with their defaults.
func (c *Config) sanitize() {
	def := Default()
	if c.Port == "" {
		c.Port = def.Port
	}
	c.Port = strings.TrimPrefix(c.Port, ":")
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = def.DefaultLanguage
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.ChatReplaySize < 0 {
		c.ChatReplaySize = 0
	}
	if c.ProfileTimeout <= 0 {
		c.ProfileTimeout = def.ProfileTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RateLimit.PerSecond <= 0 {
		c.RateLimit.PerSecond = def.RateLimit.PerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.Persistence.Debounce <= 0 {
		c.Persistence.Debounce = def.Persistence.Debounce
	}
	if c.Persistence.MaxWait <= 0 {
		c.Persistence.MaxWait = def.Persistence.MaxWait
	}
	if c.Persistence.MaxAttempts <= 0 {
		c.Persistence.MaxAttempts = def.Persistence.MaxAttempts
	}
	if c.Persistence.ChatQueue <= 0 {
		c.Persistence.ChatQueue = def.Persistence.ChatQueue
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = def.Retention.Schedule
	}
	c.AllowedOrigins, _ = NormalizeOrigins(c.AllowedOrigins)
}

func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// AllowAllOrigins reports whether the wildcard origin was configured.
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// NormalizeOrigins lowercases scheme://host pairs and drops invalid entries.
// The wildcard "*" is kept as is; the second result reports any dropped entries.
func NormalizeOrigins(origins []string) ([]string, []string) {
	normalized := make([]string, 0, len(origins))
	var dropped []string
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			normalized = append(normalized, trimmed)
			continue
		}
		n, ok := NormalizeOrigin(trimmed)
		if !ok {
			dropped = append(dropped, origin)
			continue
		}
		normalized = append(normalized, n)
	}
	return normalized, dropped
}

func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
