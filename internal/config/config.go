// Package config loads the relay/agent configuration from a YAML file with
// environment variable overrides, in the style of
// cortexuvula/clawreachbridge's internal/config.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/cometkim/dotunnel/internal/tunnelsession"
)

// Config is the top-level configuration for both dotunneld and
// dotunnel-agent; each binary reads only the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig controls the relay's listeners.
type ServerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// TunnelConfig mirrors tunnelsession.Config plus the routing knobs the
// relay needs but a single session does not.
type TunnelConfig struct {
	HostSuffix           string        `yaml:"host_suffix"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
}

// ToSessionConfig projects the fields tunnelsession.Session actually needs.
func (t TunnelConfig) ToSessionConfig() tunnelsession.Config {
	return tunnelsession.Config{
		MaxConcurrentStreams: t.MaxConcurrentStreams,
		RequestTimeout:       t.RequestTimeout,
		TunnelHostPattern:    "*" + t.HostSuffix,
	}
}

// DatabaseConfig is the Postgres-backed tunnel registry's connection string.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RateLimitConfig drives the per-session accept-rate limiter backing the
// overload abort reason (spec §4.1).
type RateLimitConfig struct {
	Enabled         bool    `yaml:"enabled"`
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

// LimiterFactory returns a func suitable for relay.New's limiterFactory
// parameter: nil when rate limiting is disabled, otherwise a constructor
// that builds a fresh *rate.Limiter per session.
func (r RateLimitConfig) LimiterFactory() func() *rate.Limiter {
	if !r.Enabled {
		return nil
	}
	return func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(r.EventsPerSecond), r.Burst)
	}
}

// LoggingConfig matches internal/logging.Setup's parameters.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AgentConfig holds dotunnel-agent's own settings (relay to dial, where to
// proxy local traffic).
type AgentConfig struct {
	RelayURL    string `yaml:"relay_url"`
	TunnelID    string `yaml:"tunnel_id"`
	LocalOrigin string `yaml:"local_origin"`
}

// DefaultConfig returns a Config with sensible defaults for local
// development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0:8080",
			MetricsEnabled: true,
		},
		Tunnel: TunnelConfig{
			HostSuffix:           ".tunnel.io",
			MaxConcurrentStreams: 100,
			RequestTimeout:       30 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/dotunnel?sslmode=disable",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			EventsPerSecond: 50,
			Burst:           100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Agent: AgentConfig{
			RelayURL:    "https://relay.tunnel.io",
			LocalOrigin: "http://localhost:3000",
		},
	}
}

// Load reads a config file and applies DOTUNNEL_ (and DATABASE_URL)
// environment overrides. An
// empty path skips the file read and returns defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}

	if c.Tunnel.HostSuffix == "" || !strings.HasPrefix(c.Tunnel.HostSuffix, ".") {
		return fmt.Errorf("tunnel.host_suffix must start with '.' (e.g. \".tunnel.io\")")
	}
	if c.Tunnel.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("tunnel.max_concurrent_streams must be positive")
	}
	if c.Tunnel.RequestTimeout <= 0 {
		return fmt.Errorf("tunnel.request_timeout must be positive")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.EventsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.events_per_second must be positive when enabled")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive when enabled")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Agent.RelayURL != "" {
		if u, err := url.Parse(c.Agent.RelayURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("agent.relay_url must use http:// or https:// scheme")
		}
	}

	return nil
}

// applyEnvOverrides applies DOTUNNEL_-prefixed environment variables, plus
// the unprefixed DATABASE_URL.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"DOTUNNEL_SERVER_LISTEN_ADDRESS":      func(v string) { cfg.Server.ListenAddress = v },
		"DOTUNNEL_TUNNEL_HOST_SUFFIX":         func(v string) { cfg.Tunnel.HostSuffix = v },
		"DOTUNNEL_TUNNEL_MAX_CONCURRENT_STREAMS": func(v string) {
			cfg.Tunnel.MaxConcurrentStreams = parseInt(v, cfg.Tunnel.MaxConcurrentStreams)
		},
		"DOTUNNEL_TUNNEL_REQUEST_TIMEOUT": func(v string) {
			cfg.Tunnel.RequestTimeout = parseDuration(v, cfg.Tunnel.RequestTimeout)
		},
		"DATABASE_URL": func(v string) { cfg.Database.URL = v },
		"DOTUNNEL_RATE_LIMIT_ENABLED": func(v string) {
			cfg.RateLimit.Enabled = parseBool(v, cfg.RateLimit.Enabled)
		},
		"DOTUNNEL_LOGGING_LEVEL":  func(v string) { cfg.Logging.Level = v },
		"DOTUNNEL_LOGGING_FORMAT": func(v string) { cfg.Logging.Format = v },
		"DOTUNNEL_LOGGING_FILE":   func(v string) { cfg.Logging.File = v },
		"DOTUNNEL_AGENT_RELAY_URL": func(v string) { cfg.Agent.RelayURL = v },
		"DOTUNNEL_AGENT_TUNNEL_ID": func(v string) { cfg.Agent.TunnelID = v },
		"DOTUNNEL_AGENT_LOCAL_ORIGIN": func(v string) { cfg.Agent.LocalOrigin = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
