package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oktsec/warden/internal/safefile"
)

const maxConfigSize = 1 << 20

// Config is the top-level warden configuration.
type Config struct {
	Version    string          `yaml:"version"`
	Server     ServerConfig    `yaml:"server"`
	Keys       KeysConfig      `yaml:"keys"`
	Audit      AuditConfig     `yaml:"audit"`
	Sessions   SessionConfig   `yaml:"sessions"`
	PolicyFile string          `yaml:"policy_file,omitempty"` // empty = built-in policy
	Executor   ExecutorConfig  `yaml:"executor"`
	Sandbox    SandboxConfig   `yaml:"sandbox"`
	Scanner    ScannerConfig   `yaml:"scanner"`
	Alerts     AlertsConfig    `yaml:"alerts,omitempty"`
	API        APIConfig       `yaml:"api,omitempty"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	MCP        MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds HTTP API server settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Bind      string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// KeysConfig locates and sizes key material.
type KeysConfig struct {
	Dir              string `yaml:"dir"`
	RSABits          int    `yaml:"rsa_bits"`
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`
}

// AuditConfig configures the encrypted audit log.
type AuditConfig struct {
	File       string `yaml:"file"`
	RingSize   int    `yaml:"ring_size"`
	BufferSize int    `yaml:"buffer_size"`
}

// SessionConfig configures security contexts.
type SessionConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	GrantsDB        string        `yaml:"grants_db"` // empty = in-memory
}

// ExecutorConfig configures direct command execution.
type ExecutorConfig struct {
	DefaultTimeout time.Duration   `yaml:"default_timeout"`
	MaxOutputBytes int             `yaml:"max_output_bytes"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-user token bucket. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// SandboxConfig configures agent isolation.
type SandboxConfig struct {
	Root              string              `yaml:"root"`
	DefaultIsolation  string              `yaml:"default_isolation"`
	MonitorInterval   time.Duration       `yaml:"monitor_interval"`
	IdleTimeout       time.Duration       `yaml:"idle_timeout"`
	EnforceLimits     bool                `yaml:"enforce_limits"` // destroy violators instead of flagging
	DefaultLimits     LimitsConfig        `yaml:"default_limits"`
	AllowedOperations []string            `yaml:"allowed_operations"`
	Interpreters      map[string][]string `yaml:"interpreters,omitempty"`
	Container         ContainerConfig     `yaml:"container"`
	Process           ProcessConfig       `yaml:"process"`
}

// LimitsConfig holds default per-sandbox resource limits.
type LimitsConfig struct {
	CPUPercent   float64 `yaml:"cpu_percent"`
	MemoryBytes  int64   `yaml:"memory_bytes"`
	DiskBytes    int64   `yaml:"disk_bytes"`
	TimeSeconds  float64 `yaml:"time_seconds"`
	NetworkBytes int64   `yaml:"network_bytes"`
}

// ContainerConfig configures the container isolation backend.
type ContainerConfig struct {
	Runtime   string   `yaml:"runtime"` // docker or podman
	Image     string   `yaml:"image"`
	PidsLimit int      `yaml:"pids_limit"`
	CapAdd    []string `yaml:"cap_add"`
	TmpfsSize string   `yaml:"tmpfs_size"`
	User      string   `yaml:"user,omitempty"`
}

// ProcessConfig configures the process isolation backend.
type ProcessConfig struct {
	RunAsUID     int  `yaml:"run_as_uid,omitempty"` // only honored when running as root
	RunAsGID     int  `yaml:"run_as_gid,omitempty"`
	ApplyRlimits bool `yaml:"apply_rlimits"`
}

// ScannerConfig configures the vulnerability scanner.
type ScannerConfig struct {
	RulesFile       string `yaml:"rules_file,omitempty"` // empty = built-in rules
	ContentRules    bool   `yaml:"content_rules"`
	CustomRulesDir  string `yaml:"custom_rules_dir,omitempty"`
	ScanEdits       bool   `yaml:"scan_edits"`
	BlockOnCritical bool   `yaml:"block_on_critical"`
}

// AlertsConfig configures where high-threat audit events are sent.
type AlertsConfig struct {
	Webhooks []Webhook  `yaml:"webhooks,omitempty"`
	Redis    RedisAlert `yaml:"redis,omitempty"`
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	URL          string   `yaml:"url"`
	Events       []string `yaml:"events,omitempty"`     // event types; empty = all
	MinThreat    string   `yaml:"min_threat,omitempty"` // default high
	AllowPrivate bool     `yaml:"allow_private,omitempty"`
}

// RedisAlert publishes alerts on a Redis channel when Addr is set.
type RedisAlert struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// APIConfig holds the PBKDF2 hash of the admin key used to open sessions.
// AdminKeyIterations is the PBKDF2 work factor the hash was made with.
type APIConfig struct {
	AdminKeyHash       string `yaml:"admin_key_hash,omitempty"`
	AdminKeySalt       string `yaml:"admin_key_salt,omitempty"`
	AdminKeyIterations int    `yaml:"admin_key_iterations,omitempty"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics   bool   `yaml:"metrics"`
	Tracing   bool   `yaml:"tracing"`
	TraceFile string `yaml:"trace_file,omitempty"` // empty = stderr
}

// MCPConfig is the identity the MCP server acts as.
type MCPConfig struct {
	UserID          string        `yaml:"user_id"`
	Role            string        `yaml:"role"`
	AgentID         string        `yaml:"agent_id"`
	SessionDuration time.Duration `yaml:"session_duration"`
	SandboxID       string        `yaml:"sandbox_id,omitempty"`
}

// Load reads and parses a warden config file on top of Defaults.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigSize)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	d := Defaults()
	if cfg.Sandbox.Interpreters == nil {
		cfg.Sandbox.Interpreters = d.Sandbox.Interpreters
	}
	if len(cfg.Sandbox.AllowedOperations) == 0 {
		cfg.Sandbox.AllowedOperations = d.Sandbox.AllowedOperations
	}
	if cfg.Alerts.Redis.Addr != "" && cfg.Alerts.Redis.Channel == "" {
		cfg.Alerts.Redis.Channel = "warden:alerts"
	}
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:      8420,
			Bind:      "127.0.0.1",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Keys: KeysConfig{
			Dir:              "./keys",
			RSABits:          2048,
			PBKDF2Iterations: 310_000,
		},
		Audit: AuditConfig{
			File:       "./warden-audit.log",
			RingSize:   10_000,
			BufferSize: 256,
		},
		Sessions: SessionConfig{
			DefaultDuration: 8 * time.Hour,
			CleanupInterval: 5 * time.Minute,
			GrantsDB:        "./warden.db",
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 30 * time.Second,
			MaxOutputBytes: 1 << 20,
			RateLimit:      RateLimitConfig{PerSecond: 10, Burst: 20},
		},
		Sandbox: SandboxConfig{
			Root:             "./sandboxes",
			DefaultIsolation: "process",
			MonitorInterval:  60 * time.Second,
			IdleTimeout:      time.Hour,
			DefaultLimits: LimitsConfig{
				CPUPercent:   50,
				MemoryBytes:  512 << 20,
				DiskBytes:    1 << 30,
				TimeSeconds:  300,
				NetworkBytes: 10 << 20,
			},
			AllowedOperations: []string{"shell", "python", "node", "file_write"},
			Interpreters: map[string][]string{
				"shell":  {"sh"},
				"python": {"python3"},
				"node":   {"node"},
			},
			Container: ContainerConfig{
				Runtime:   "docker",
				Image:     "python:3.12-slim",
				PidsLimit: 128,
				CapAdd:    []string{"CHOWN", "SETUID", "SETGID"},
				TmpfsSize: "100m",
			},
			Process: ProcessConfig{ApplyRlimits: true},
		},
		Scanner: ScannerConfig{
			ContentRules: true,
			ScanEdits:    true,
		},
		Telemetry: TelemetryConfig{Metrics: true},
		MCP: MCPConfig{
			UserID:          "mcp-agent",
			Role:            "developer",
			SessionDuration: time.Hour,
		},
	}
}

// Save writes the config to a YAML file at the given path. The file may
// hold the admin key hash, so it is written owner-only.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WritePrivate(path, data); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

var (
	logLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	isolations  = map[string]bool{"none": true, "process": true, "container": true, "vm": true}
	threatNames = map[string]bool{"": true, "info": true, "low": true, "medium": true, "high": true, "critical": true}
)

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !logLevels[c.Server.LogLevel] {
		return fmt.Errorf("invalid log_level %q", c.Server.LogLevel)
	}
	if c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q (text or json)", c.Server.LogFormat)
	}
	if c.Keys.Dir == "" {
		return fmt.Errorf("keys.dir is required")
	}
	if c.Keys.RSABits != 0 && c.Keys.RSABits < 2048 {
		return fmt.Errorf("keys.rsa_bits must be at least 2048, got %d", c.Keys.RSABits)
	}
	if c.Sessions.DefaultDuration <= 0 {
		return fmt.Errorf("sessions.default_duration must be positive")
	}
	if c.Sessions.CleanupInterval <= 0 {
		return fmt.Errorf("sessions.cleanup_interval must be positive")
	}
	if c.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("executor.default_timeout must be positive")
	}
	if c.Executor.RateLimit.PerSecond < 0 {
		return fmt.Errorf("executor.rate_limit.per_second must not be negative")
	}
	if c.Executor.RateLimit.PerSecond > 0 && c.Executor.RateLimit.Burst < 1 {
		return fmt.Errorf("executor.rate_limit.burst must be at least 1")
	}
	if !isolations[c.Sandbox.DefaultIsolation] {
		return fmt.Errorf("invalid sandbox.default_isolation %q", c.Sandbox.DefaultIsolation)
	}
	if c.Sandbox.Root == "" {
		return fmt.Errorf("sandbox.root is required")
	}
	if c.Sandbox.MonitorInterval <= 0 || c.Sandbox.IdleTimeout <= 0 {
		return fmt.Errorf("sandbox.monitor_interval and sandbox.idle_timeout must be positive")
	}
	for op := range c.Sandbox.Interpreters {
		if len(c.Sandbox.Interpreters[op]) == 0 {
			return fmt.Errorf("sandbox interpreter %q has an empty command", op)
		}
	}
	for _, wh := range c.Alerts.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook url is required")
		}
		if !threatNames[wh.MinThreat] {
			return fmt.Errorf("webhook %s: invalid min_threat %q", wh.URL, wh.MinThreat)
		}
	}
	if (c.API.AdminKeyHash == "") != (c.API.AdminKeySalt == "") {
		return fmt.Errorf("api.admin_key_hash and api.admin_key_salt must be set together")
	}
	if c.API.AdminKeyIterations < 0 {
		return fmt.Errorf("api.admin_key_iterations must not be negative")
	}
	return nil
}
