package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Server     ServerConfig
	Docs       DocsConfig
	Launch     LaunchConfig
	Session    SessionConfig
	Local      LocalConfig
	Cache      CacheConfig
	Transcript TranscriptConfig
	Auth       AuthConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// DocsConfig holds content root configuration.
type DocsConfig struct {
	Root string `envconfig:"STOKER_DOCS_ROOT" default:"."`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"STOKER_PORT" default:"9210"`
	Host string `envconfig:"STOKER_HOST" default:"0.0.0.0"`
}

// LaunchConfig holds image provisioning service configuration.
// When BaseURL is empty the daemon falls back to the embedded local server.
type LaunchConfig struct {
	BaseURL      string        `envconfig:"STOKER_LAUNCH_URL" default:""`
	Provider     string        `envconfig:"STOKER_LAUNCH_PROVIDER" default:"docker"`
	PollInterval time.Duration `envconfig:"STOKER_LAUNCH_POLL_INTERVAL" default:"2s"`
	PollTimeout  time.Duration `envconfig:"STOKER_LAUNCH_TIMEOUT" default:"3m"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	Kind              string        `envconfig:"STOKER_SESSION_KIND" default:""`
	HeartbeatInterval time.Duration `envconfig:"STOKER_HEARTBEAT_INTERVAL" default:"5s"`
	StartupTimeout    time.Duration `envconfig:"STOKER_STARTUP_TIMEOUT" default:"60s"`
}

// LocalConfig holds embedded compute server configuration.
type LocalConfig struct {
	Enabled bool   `envconfig:"STOKER_LOCAL_ENABLED" default:"true"`
	Port    string `envconfig:"STOKER_LOCAL_PORT" default:"0"`
	Workdir string `envconfig:"STOKER_LOCAL_WORKDIR" default:""`
}

// CacheConfig holds durable session cache configuration.
type CacheConfig struct {
	Path string `envconfig:"STOKER_CACHE_PATH" default:""`
}

// TranscriptConfig holds execution transcript configuration.
type TranscriptConfig struct {
	Enabled bool   `envconfig:"STOKER_TRANSCRIPT_ENABLED" default:"true"`
	Dir     string `envconfig:"STOKER_TRANSCRIPT_DIR" default:""`
}

// AuthConfig holds API authentication configuration.
// TokenHash is a bcrypt hash of the expected bearer token.
type AuthConfig struct {
	Enabled   bool   `envconfig:"STOKER_AUTH_ENABLED" default:"false"`
	TokenHash string `envconfig:"STOKER_AUTH_TOKEN_HASH" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"STOKER_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"STOKER_LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"STOKER_RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"STOKER_RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"STOKER_RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "9210",
			Host: "0.0.0.0",
		},
		Docs: DocsConfig{
			Root: ".",
		},
		Launch: LaunchConfig{
			Provider:     "docker",
			PollInterval: 2 * time.Second,
			PollTimeout:  3 * time.Minute,
		},
		Session: SessionConfig{
			HeartbeatInterval: 5 * time.Second,
			StartupTimeout:    60 * time.Second,
		},
		Local: LocalConfig{
			Enabled: true,
			Port:    "0",
		},
		Transcript: TranscriptConfig{
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
