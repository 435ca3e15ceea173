package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/runner"
	"github.com/oktsec/warden/internal/secerr"
)

// containerWorkdir is where the sandbox directory is mounted.
const containerWorkdir = "/workspace"

// execFunc runs a runtime CLI invocation. Tests substitute a fake.
type execFunc func(ctx context.Context, req runner.Request) (*runner.Result, error)

// containerBackend drives a docker-compatible CLI.
type containerBackend struct {
	cfg  config.ContainerConfig
	exec execFunc
}

func newContainerBackend(cfg config.ContainerConfig, fn execFunc) *containerBackend {
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if fn == nil {
		fn = runner.Run
	}
	return &containerBackend{cfg: cfg, exec: fn}
}

func (b *containerBackend) Level() IsolationLevel { return IsolationContainer }

func (b *containerBackend) cli(ctx context.Context, timeout time.Duration, args ...string) (*runner.Result, error) {
	return b.exec(ctx, runner.Request{
		Argv:    append([]string{b.cfg.Runtime}, args...),
		Timeout: timeout,
	})
}

func (b *containerBackend) Available(ctx context.Context) error {
	res, err := b.cli(ctx, 10*time.Second, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return secerr.Unsupported("container runtime %q not available: %v", b.cfg.Runtime, err)
	}
	if !res.Success() {
		return secerr.Unsupported("container runtime %q not available: %s", b.cfg.Runtime, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// runArgs builds the docker run invocation for sb.
func (b *containerBackend) runArgs(sb *Sandbox) []string {
	args := []string{"run", "-d", "--name", "warden-" + sb.ID, "--label", "warden.sandbox=" + sb.ID}
	if mem, ok := sb.Limits.get(LimitMemoryBytes); ok {
		args = append(args, "--memory", strconv.FormatInt(int64(mem), 10)+"b")
	}
	if cpu, ok := sb.Limits.get(LimitCPUPercent); ok {
		args = append(args, "--cpus", strconv.FormatFloat(cpu/100, 'f', 2, 64))
	}
	if b.cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(b.cfg.PidsLimit))
	}
	args = append(args, "--cap-drop", "ALL")
	for _, c := range b.cfg.CapAdd {
		args = append(args, "--cap-add", c)
	}
	args = append(args, "--security-opt", "no-new-privileges")
	if !sb.NetworkAccess {
		args = append(args, "--network", "none")
	}
	tmpfs := "/tmp:rw,noexec,nosuid"
	if b.cfg.TmpfsSize != "" {
		tmpfs += ",size=" + b.cfg.TmpfsSize
	}
	args = append(args, "--tmpfs", tmpfs)
	args = append(args, "-v", sb.Dir+":"+containerWorkdir, "-w", containerWorkdir)
	if b.cfg.User != "" {
		args = append(args, "-u", b.cfg.User)
	}
	for _, kv := range envList(sb.Env) {
		args = append(args, "-e", kv)
	}
	return append(args, b.cfg.Image, "sleep", "infinity")
}

func (b *containerBackend) Setup(ctx context.Context, sb *Sandbox) error {
	if err := b.Available(ctx); err != nil {
		return err
	}
	res, err := b.cli(ctx, 2*time.Minute, b.runArgs(sb)...)
	if err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("starting container: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	sb.ContainerID = strings.TrimSpace(res.Stdout)
	if sb.ContainerID == "" {
		return fmt.Errorf("starting container: runtime returned no id")
	}
	return nil
}

func (b *containerBackend) Execute(ctx context.Context, sb *Sandbox, p Payload) (*runner.Result, error) {
	args := []string{"exec", "-w", containerWorkdir, sb.ContainerID}
	timeout := p.Timeout
	if timeout > 0 {
		secs := max(int(timeout.Round(time.Second)/time.Second), 1)
		args = append(args, "timeout", "-k", "2", strconv.Itoa(secs))
		// Leave room for the in-container timeout to fire first.
		timeout += 5 * time.Second
	}
	args = append(args, p.Argv...)
	res, err := b.exec(ctx, runner.Request{
		Argv:      append([]string{b.cfg.Runtime}, args...),
		Timeout:   timeout,
		MaxOutput: p.MaxOutput,
		OnStart:   p.OnStart,
	})
	if err != nil {
		return nil, err
	}
	// timeout(1) exits 124 on TERM and 137 when it had to KILL.
	if p.Timeout > 0 && (res.ExitCode == runner.TimeoutExitCode || res.ExitCode == 137 && res.Duration >= p.Timeout) {
		res.TimedOut = true
		res.ExitCode = runner.TimeoutExitCode
	}
	return res, nil
}

func (b *containerBackend) Teardown(ctx context.Context, sb *Sandbox) error {
	if sb.ContainerID == "" {
		return nil
	}
	_, _ = b.cli(ctx, 30*time.Second, "stop", "-t", "5", sb.ContainerID)
	res, err := b.cli(ctx, 30*time.Second, "rm", "-f", sb.ContainerID)
	if err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("removing container: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}
