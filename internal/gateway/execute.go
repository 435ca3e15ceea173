package gateway

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oktsec/warden/internal/access"
	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/policy"
	"github.com/oktsec/warden/internal/runner"
	"github.com/oktsec/warden/internal/sandbox"
	"github.com/oktsec/warden/internal/secerr"
	"github.com/oktsec/warden/internal/telemetry"
)

// ExecOptions tune one command execution.
type ExecOptions struct {
	// Dir is the working directory. Inside a sandbox it is resolved
	// relative to the sandbox tree.
	Dir       string
	Env       map[string]string
	Timeout   time.Duration
	SandboxID string
	SourceIP  string
	UserAgent string
}

// CommandResult is the outcome of a command that passed every check.
type CommandResult struct {
	Command       string        `json:"command"`
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExecutionTime time.Duration `json:"execution_time"`
	TimedOut      bool          `json:"timed_out"`
	Truncated     bool          `json:"truncated,omitempty"`
	SandboxID     string        `json:"sandbox_id,omitempty"`
}

// validContext re-reads sc from the session table so revocations and
// invalidations made after sc was issued take effect.
func (g *Gateway) validContext(sc *access.SecurityContext) (*access.SecurityContext, bool) {
	if sc == nil || sc.SessionID == "" {
		return nil, false
	}
	return g.access.ValidateContext(sc.SessionID)
}

// sandboxFor checks that sc may use sandbox id and returns its state.
func (g *Gateway) sandboxFor(sc *access.SecurityContext, id string) (sandbox.Info, error) {
	info, ok := g.sandboxes.Status(id)
	if !ok || !info.Active {
		return sandbox.Info{}, secerr.Permission("sandbox %s is not available", id)
	}
	if info.AgentID != sc.AgentID && !sc.Privileged() {
		return sandbox.Info{}, secerr.Permission("sandbox %s belongs to another agent", id)
	}
	return info, nil
}

// ExecuteCommand screens, authorizes, validates, rate limits and runs command, and
// records the decision in the audit log. Every rejection is audited before
// the error is returned. A command that starts produces exactly a
// command_execution_start and a command_execution_complete event, even when
// it fails, times out or is cancelled.
func (g *Gateway) ExecuteCommand(ctx context.Context, command string, sc *access.SecurityContext, opts ExecOptions) (res *CommandResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.execute_command", "sandbox_id", opts.SandboxID)
	defer func() { telemetry.EndSpan(span, err) }()

	base := audit.Event{
		Resource:  command,
		Action:    "execute",
		SourceIP:  opts.SourceIP,
		UserAgent: opts.UserAgent,
	}
	if sc != nil {
		base.UserID, base.AgentID = sc.UserID, sc.AgentID
	}
	deny := func(eventType string, level audit.ThreatLevel, outcome string, details map[string]any, e error) (*CommandResult, error) {
		ev := base
		ev.EventType = eventType
		ev.Result = "denied"
		ev.ThreatLevel = level
		if details == nil {
			details = map[string]any{}
		}
		details["reason"] = secerr.Reason(e)
		ev.Details = details
		g.log(ctx, ev)
		g.metrics.Decisions.WithLabelValues("command", outcome).Inc()
		return nil, e
	}

	// 1. context
	live, ok := g.validContext(sc)
	if !ok {
		return deny("authentication_failed", audit.ThreatMedium, "denied", nil,
			secerr.Permission("invalid or expired security context"))
	}

	// 2. blocklist, for every role before authorization
	ev := g.evaluator.Load()
	if d := ev.CheckBlocklist(command); !d.Allowed {
		return deny("blocked_command_attempt", audit.ThreatHigh, "blocked",
			map[string]any{"pattern": d.Pattern, "role": live.Role},
			secerr.Validation("%s", d.Reason))
	}

	// 3. authorization
	var sbInfo *sandbox.Info
	dir := opts.Dir
	if opts.SandboxID != "" {
		info, err := g.sandboxFor(live, opts.SandboxID)
		if err != nil {
			return deny("command_execution_denied", audit.ThreatMedium, "denied",
				map[string]any{"sandbox_id": opts.SandboxID}, err)
		}
		sbInfo = &info
		target := info.WorkingDirectory
		if opts.Dir != "" {
			if target, err = g.sandboxes.ResolvePath(info.ID, opts.Dir); err != nil {
				return deny("command_execution_denied", audit.ThreatMedium, "denied",
					map[string]any{"sandbox_id": info.ID, "dir": opts.Dir}, err)
			}
		}
		dir = target
	} else {
		if live.HasRestriction(policy.RestrictSandboxOnly) {
			return deny("command_execution_denied", audit.ThreatMedium, "denied", nil,
				secerr.Permission("context is restricted to sandboxed execution"))
		}
		dir = workingDir(dir)
	}
	if !g.access.CheckPermission(live, "execute", dir) {
		return deny("command_execution_denied", audit.ThreatMedium, "denied",
			map[string]any{"dir": dir, "role": live.Role},
			secerr.Permission("permission denied: execute on %s", dir))
	}

	// 4. validators
	env := policy.Env{
		Sandboxed:    sbInfo != nil,
		Privileged:   live.Privileged(),
		Restrictions: live.Restrictions,
	}
	if sbInfo != nil {
		env.NetworkAccess = sbInfo.NetworkAccess
	}
	if d := ev.Validate(command, env); !d.Allowed {
		return deny("command_validation_failed", audit.ThreatMedium, "invalid",
			map[string]any{"validator": d.Validator, "pattern": d.Pattern},
			secerr.Validation("%s validator: %s", d.Validator, d.Reason))
	}

	if err := checkEnv(opts.Env); err != nil {
		return deny("command_validation_failed", audit.ThreatMedium, "invalid",
			map[string]any{"validator": "env"}, err)
	}

	// 5. rate limit
	if !g.limiter.Allow(live.UserID) {
		return deny("rate_limit_exceeded", audit.ThreatMedium, "rate_limited", nil,
			secerr.ResourceExceeded("command rate limit exceeded for %s", live.UserID))
	}

	// 6. execute
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Executor.DefaultTimeout
	}
	start := base
	start.UserID, start.AgentID = live.UserID, live.AgentID
	start.EventType = "command_execution_start"
	start.Result = "started"
	start.ThreatLevel = audit.ThreatInfo
	start.Details = map[string]any{"dir": dir, "timeout_seconds": timeout.Seconds(), "sandbox_id": opts.SandboxID}
	g.log(ctx, start)
	g.metrics.Decisions.WithLabelValues("command", "allowed").Inc()

	began := time.Now()
	defer func() {
		done := base
		done.UserID, done.AgentID = live.UserID, live.AgentID
		done.EventType = "command_execution_complete"
		done.ThreatLevel = audit.ThreatInfo
		details := map[string]any{"duration_ms": time.Since(began).Milliseconds(), "sandbox_id": opts.SandboxID}
		status := "success"
		switch {
		case err != nil:
			status = "error"
			done.ThreatLevel = audit.ThreatLow
			details["error"] = err.Error()
		case res.TimedOut:
			status = "timeout"
			done.ThreatLevel = audit.ThreatLow
			details["exit_code"] = res.ExitCode
		case !res.Success:
			status = "failure"
			details["exit_code"] = res.ExitCode
		default:
			details["exit_code"] = res.ExitCode
		}
		if ctx.Err() != nil {
			details["cancelled"] = true
		}
		done.Result = status
		done.Details = details
		g.log(context.WithoutCancel(ctx), done)

		route := "direct"
		if sbInfo != nil {
			route = string(sbInfo.Isolation)
		}
		g.metrics.ExecutionDuration.WithLabelValues(route, status).Observe(time.Since(began).Seconds())
	}()

	if sbInfo != nil {
		rel, err := filepath.Rel(sbInfo.WorkingDirectory, dir)
		if err != nil {
			return nil, fmt.Errorf("locating %s in sandbox: %w", dir, err)
		}
		out, err := g.sandboxes.ExecuteInSandbox(ctx, sbInfo.ID, "shell", shellPayload(rel, opts.Env, command), timeout)
		if err != nil {
			return nil, err
		}
		return &CommandResult{
			Command:       command,
			Success:       out.Success,
			ExitCode:      out.ExitCode,
			Stdout:        out.Stdout,
			Stderr:        out.Stderr,
			ExecutionTime: out.ExecutionTime,
			TimedOut:      out.TimedOut,
			Truncated:     out.Truncated,
			SandboxID:     sbInfo.ID,
		}, nil
	}

	out, err := runner.Run(ctx, runner.Request{
		Command:   command,
		Dir:       dir,
		Env:       mergeEnv(os.Environ(), opts.Env),
		Timeout:   timeout,
		MaxOutput: g.cfg.Executor.MaxOutputBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	return &CommandResult{
		Command:       command,
		Success:       out.Success(),
		ExitCode:      out.ExitCode,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		ExecutionTime: out.Duration,
		TimedOut:      out.TimedOut,
		Truncated:     out.Truncated,
	}, nil
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedEnv names change which binaries or libraries a command loads.
var reservedEnv = map[string]bool{
	"PATH":            true,
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"LD_AUDIT":        true,
	"BASH_ENV":        true,
	"ENV":             true,
	"IFS":             true,
}

// checkEnv rejects caller-supplied variables whose names are not plain
// identifiers or that override the loader and shell search paths.
func checkEnv(env map[string]string) error {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		if !envName.MatchString(k) {
			return secerr.Validation("env validator: invalid variable name %q", k)
		}
		if reservedEnv[strings.ToUpper(k)] {
			return secerr.Validation("env validator: %s may not be overridden", k)
		}
	}
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	return append(slices.Clone(base), sortedEnv(extra)...)
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// shellPayload wraps command in a script that changes into dir, relative to
// the sandbox root, and exports env before running it.
func shellPayload(dir string, env map[string]string, command string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(filepath.Clean(dir)))
	for _, kv := range sortedEnv(env) {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
	}
	b.WriteString(command)
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
