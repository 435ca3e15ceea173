package sandbox

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/oktsec/warden/internal/config"
)

// IsolationLevel is the containment strength of a sandbox.
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "none"
	IsolationProcess   IsolationLevel = "process"
	IsolationContainer IsolationLevel = "container"
	IsolationVM        IsolationLevel = "vm"
)

// ParseIsolation validates a level name.
func ParseIsolation(s string) (IsolationLevel, error) {
	switch l := IsolationLevel(s); l {
	case IsolationNone, IsolationProcess, IsolationContainer, IsolationVM:
		return l, nil
	}
	return "", fmt.Errorf("unknown isolation level %q", s)
}

// LimitKind names a resource cap.
type LimitKind string

const (
	LimitCPUPercent   LimitKind = "cpu_percent"
	LimitMemoryBytes  LimitKind = "memory_bytes"
	LimitDiskBytes    LimitKind = "disk_bytes"
	LimitTimeSeconds  LimitKind = "time_seconds"
	LimitNetworkBytes LimitKind = "network_bytes"
)

// Limits maps a limit kind to its cap. A missing or non-positive entry is
// unlimited.
type Limits map[LimitKind]float64

// LimitsFrom converts configured defaults.
func LimitsFrom(c config.LimitsConfig) Limits {
	return Limits{
		LimitCPUPercent:   c.CPUPercent,
		LimitMemoryBytes:  float64(c.MemoryBytes),
		LimitDiskBytes:    float64(c.DiskBytes),
		LimitTimeSeconds:  c.TimeSeconds,
		LimitNetworkBytes: float64(c.NetworkBytes),
	}
}

// DefaultLimits are the built-in caps.
func DefaultLimits() Limits {
	return LimitsFrom(config.Defaults().Sandbox.DefaultLimits)
}

// Merge returns l overlaid with override.
func (l Limits) Merge(override Limits) Limits {
	out := maps.Clone(l)
	if out == nil {
		out = Limits{}
	}
	maps.Copy(out, override)
	return out
}

func (l Limits) get(k LimitKind) (float64, bool) {
	v, ok := l[k]
	return v, ok && v > 0
}

// ResourceUsage is a sample of a sandbox's consumption.
type ResourceUsage struct {
	CPUPercent        float64       `json:"cpu_percent"`
	MemoryBytes       int64         `json:"memory_bytes"`
	DiskBytes         int64         `json:"disk_bytes"`
	NetworkBytes      int64         `json:"network_bytes"`
	ExecutionTime     time.Duration `json:"execution_time"`
	FileOperations    int           `json:"file_operations"`
	NetworkOperations int           `json:"network_operations"`
}

// Violations lists the limits u exceeds. CPU is included; callers decide
// whether it blocks.
func (u ResourceUsage) Violations(l Limits) []string {
	var out []string
	check := func(k LimitKind, v float64) {
		if limit, ok := l.get(k); ok && v > limit {
			out = append(out, fmt.Sprintf("%s %.0f > %.0f", k, v, limit))
		}
	}
	check(LimitCPUPercent, u.CPUPercent)
	check(LimitMemoryBytes, float64(u.MemoryBytes))
	check(LimitDiskBytes, float64(u.DiskBytes))
	check(LimitNetworkBytes, float64(u.NetworkBytes))
	return out
}

// Request describes a sandbox to create.
type Request struct {
	AgentID           string            `json:"agent_id"`
	Isolation         IsolationLevel    `json:"isolation_level,omitempty"`
	Limits            Limits            `json:"resource_limits,omitempty"`
	AllowedOperations []string          `json:"allowed_operations,omitempty"`
	BlockedOperations []string          `json:"blocked_operations,omitempty"`
	Env               map[string]string `json:"environment_variables,omitempty"`
	NetworkAccess     bool              `json:"network_access"`
}

// Info is a point-in-time view of a sandbox.
type Info struct {
	ID                string            `json:"sandbox_id"`
	AgentID           string            `json:"agent_id"`
	Isolation         IsolationLevel    `json:"isolation_level"`
	WorkingDirectory  string            `json:"working_directory"`
	Limits            Limits            `json:"resource_limits"`
	AllowedOperations []string          `json:"allowed_operations"`
	BlockedOperations []string          `json:"blocked_operations"`
	Env               map[string]string `json:"environment_variables"`
	NetworkAccess     bool              `json:"network_access"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivity      time.Time         `json:"last_activity"`
	Active            bool              `json:"is_active"`
	ContainerID       string            `json:"container_id,omitempty"`
	ProcessID         int               `json:"process_id,omitempty"`
	Usage             ResourceUsage     `json:"resource_usage"`
	Violations        []string          `json:"violations,omitempty"`
}

// ExecResult is identical for every isolation level.
type ExecResult struct {
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExecutionTime time.Duration `json:"execution_time"`
	TimedOut      bool          `json:"timed_out"`
	Truncated     bool          `json:"truncated,omitempty"`
}

// Lifecycle event types.
const (
	EventCreated           = "sandbox_created"
	EventDestroyed         = "sandbox_destroyed"
	EventIdleDestroyed     = "sandbox_idle_destroyed"
	EventResourceViolation = "sandbox_resource_violation"
)

// Event reports a lifecycle change.
type Event struct {
	Type      string
	SandboxID string
	AgentID   string
	Details   map[string]any
}

// Sandbox is the manager's record. Backends may set ContainerID and track
// process ids through the methods below; everything else is owned by Manager.
type Sandbox struct {
	ID                string
	AgentID           string
	Isolation         IsolationLevel
	Dir               string
	Limits            Limits
	AllowedOperations []string
	BlockedOperations []string
	Env               map[string]string
	NetworkAccess     bool
	CreatedAt         time.Time

	ContainerID string

	lastActivity time.Time
	active       bool
	pids         map[int]struct{}
	usage        ResourceUsage
	violations   []string
	execSeq      int
}

func (s *Sandbox) info() Info {
	pid := 0
	for p := range s.pids {
		pid = max(pid, p)
	}
	return Info{
		ID:                s.ID,
		AgentID:           s.AgentID,
		Isolation:         s.Isolation,
		WorkingDirectory:  s.Dir,
		Limits:            maps.Clone(s.Limits),
		AllowedOperations: slices.Clone(s.AllowedOperations),
		BlockedOperations: slices.Clone(s.BlockedOperations),
		Env:               maps.Clone(s.Env),
		NetworkAccess:     s.NetworkAccess,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.lastActivity,
		Active:            s.active,
		ContainerID:       s.ContainerID,
		ProcessID:         pid,
		Usage:             s.usage,
		Violations:        slices.Clone(s.violations),
	}
}
