package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	content := `
version: "1"
server:
  port: 9090
  log_level: debug
sessions:
  default_duration: 2h
  cleanup_interval: 30s
sandbox:
  default_isolation: container
  idle_timeout: 15m
  default_limits:
    memory_bytes: 268435456
alerts:
  webhooks:
    - url: https://hooks.example.com/warden
      min_threat: critical
  redis:
    addr: localhost:6379
`
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	assert.Equal(t, 2*time.Hour, cfg.Sessions.DefaultDuration)
	assert.Equal(t, 30*time.Second, cfg.Sessions.CleanupInterval)
	assert.Equal(t, "container", cfg.Sandbox.DefaultIsolation)
	assert.Equal(t, 15*time.Minute, cfg.Sandbox.IdleTimeout)
	assert.Equal(t, int64(256<<20), cfg.Sandbox.DefaultLimits.MemoryBytes)
	assert.Equal(t, float64(50), cfg.Sandbox.DefaultLimits.CPUPercent, "unset limits keep defaults")
	assert.Equal(t, "warden:alerts", cfg.Alerts.Redis.Channel)
	assert.Equal(t, []string{"python3"}, cfg.Sandbox.Interpreters["python"])
	require.NoError(t, cfg.Validate())
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8420 {
		t.Errorf("default port = %d, want 8420", cfg.Server.Port)
	}
	assert.Equal(t, "process", cfg.Sandbox.DefaultIsolation)
	assert.Equal(t, 300.0, cfg.Sandbox.DefaultLimits.TimeSeconds)
	assert.Equal(t, int64(10<<20), cfg.Sandbox.DefaultLimits.NetworkBytes)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"log level", func(c *Config) { c.Server.LogLevel = "verbose" }},
		{"log format", func(c *Config) { c.Server.LogFormat = "xml" }},
		{"keys dir", func(c *Config) { c.Keys.Dir = "" }},
		{"rsa bits", func(c *Config) { c.Keys.RSABits = 1024 }},
		{"session duration", func(c *Config) { c.Sessions.DefaultDuration = 0 }},
		{"isolation", func(c *Config) { c.Sandbox.DefaultIsolation = "jail" }},
		{"burst", func(c *Config) { c.Executor.RateLimit.Burst = 0 }},
		{"webhook threat", func(c *Config) {
			c.Alerts.Webhooks = []Webhook{{URL: "https://x.example", MinThreat: "severe"}}
		}},
		{"admin key pair", func(c *Config) { c.API.AdminKeyHash = "abc" }},
		{"admin key iterations", func(c *Config) { c.API.AdminKeyIterations = -1 }},
		{"interpreter", func(c *Config) { c.Sandbox.Interpreters["ruby"] = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	cfg := Defaults()
	cfg.API.AdminKeyHash = "hash"
	cfg.API.AdminKeySalt = "salt"
	cfg.API.AdminKeyIterations = 120_000
	cfg.Sandbox.IdleTimeout = 42 * time.Minute
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hash", loaded.API.AdminKeyHash)
	assert.Equal(t, 120_000, loaded.API.AdminKeyIterations)
	assert.Equal(t, 42*time.Minute, loaded.Sandbox.IdleTimeout)
	assert.Equal(t, cfg.Sandbox.DefaultLimits, loaded.Sandbox.DefaultLimits)
}
