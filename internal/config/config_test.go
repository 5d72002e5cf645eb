package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadAppliesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dotunnel.yaml")
	yamlBody := "server:\n  listen_address: \"127.0.0.1:9090\"\ntunnel:\n  host_suffix: \".example.com\"\n  max_concurrent_streams: 42\n  request_timeout: 15s\ndatabase:\n  url: \"postgres://db/dotunnel\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9090" {
		t.Fatalf("unexpected listen address: %s", cfg.Server.ListenAddress)
	}
	if cfg.Tunnel.MaxConcurrentStreams != 42 {
		t.Fatalf("unexpected max concurrent streams: %d", cfg.Tunnel.MaxConcurrentStreams)
	}
	if cfg.Tunnel.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.Tunnel.RequestTimeout)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://override/dotunnel")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://override/dotunnel" {
		t.Fatalf("expected env override to apply, got %s", cfg.Database.URL)
	}
}

func TestValidateRejectsBadHostSuffix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tunnel.HostSuffix = "tunnel.io"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for host suffix missing leading dot")
	}
}

func TestValidateRejectsBadLoggingLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid logging level")
	}
}

func TestToSessionConfig(t *testing.T) {
	cfg := DefaultConfig()
	sc := cfg.Tunnel.ToSessionConfig()
	if sc.MaxConcurrentStreams != cfg.Tunnel.MaxConcurrentStreams {
		t.Fatalf("max concurrent streams not projected correctly")
	}
	if sc.TunnelHostPattern != "*.tunnel.io" {
		t.Fatalf("unexpected tunnel host pattern: %s", sc.TunnelHostPattern)
	}
}

func TestRateLimitFactoryDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = false
	if cfg.RateLimit.LimiterFactory() != nil {
		t.Fatal("expected nil factory when rate limiting disabled")
	}
}

func TestRateLimitFactoryEnabled(t *testing.T) {
	cfg := DefaultConfig()
	factory := cfg.RateLimit.LimiterFactory()
	if factory == nil {
		t.Fatal("expected non-nil factory when rate limiting enabled")
	}
	if l := factory(); l == nil {
		t.Fatal("factory should produce a limiter")
	}
}
