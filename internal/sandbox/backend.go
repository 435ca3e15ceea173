package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/runner"
	"github.com/oktsec/warden/internal/secerr"
)

// Payload is one program to run inside a sandbox. Argv paths are relative
// to the sandbox working directory.
type Payload struct {
	Argv      []string
	Timeout   time.Duration
	MaxOutput int
	OnStart   func(pid int)
}

// Backend implements one isolation level.
type Backend interface {
	Level() IsolationLevel
	// Available returns secerr.ErrUnsupported when the backend cannot run here.
	Available(ctx context.Context) error
	// Setup prepares a new sandbox. It runs before the sandbox is visible to
	// other callers, so it may set fields on sb.
	Setup(ctx context.Context, sb *Sandbox) error
	Execute(ctx context.Context, sb *Sandbox, p Payload) (*runner.Result, error)
	Teardown(ctx context.Context, sb *Sandbox) error
}

// envList renders a sandbox environment for exec, sorted for stable output.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// noneBackend runs in the sandbox directory with no further containment.
type noneBackend struct{}

func (noneBackend) Level() IsolationLevel { return IsolationNone }

func (noneBackend) Available(context.Context) error { return nil }

func (noneBackend) Setup(context.Context, *Sandbox) error { return nil }

func (noneBackend) Teardown(context.Context, *Sandbox) error { return nil }

func (noneBackend) Execute(ctx context.Context, sb *Sandbox, p Payload) (*runner.Result, error) {
	env := append(os.Environ(), envList(sb.Env)...)
	return runner.Run(ctx, runner.Request{
		Argv:      p.Argv,
		Dir:       sb.Dir,
		Env:       env,
		Timeout:   p.Timeout,
		MaxOutput: p.MaxOutput,
		OnStart:   p.OnStart,
	})
}

// processBackend confines a run to a private directory tree with its own
// HOME, TMPDIR and PATH, per-process rlimits and an optional low-privilege
// identity.
type processBackend struct {
	cfg config.ProcessConfig
}

func (b *processBackend) Level() IsolationLevel { return IsolationProcess }

func (b *processBackend) Available(context.Context) error { return nil }

func (b *processBackend) Setup(_ context.Context, sb *Sandbox) error {
	for _, sub := range []string{"bin", "lib", "tmp"} {
		if err := os.MkdirAll(filepath.Join(sb.Dir, sub), 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	if sb.Env == nil {
		sb.Env = map[string]string{}
	}
	sb.Env["HOME"] = sb.Dir
	sb.Env["TMPDIR"] = filepath.Join(sb.Dir, "tmp")
	sb.Env["PATH"] = filepath.Join(sb.Dir, "bin") + ":/usr/local/bin:/usr/bin:/bin"
	sb.Env["PYTHONPATH"] = filepath.Join(sb.Dir, "lib")
	sb.Env["NODE_PATH"] = filepath.Join(sb.Dir, "lib")
	if uid, gid, ok := b.runAs(); ok {
		if err := os.Chown(sb.Dir, uid, gid); err != nil {
			return fmt.Errorf("handing sandbox to uid %d: %w", uid, err)
		}
		for _, sub := range []string{"bin", "lib", "tmp"} {
			if err := os.Lchown(filepath.Join(sb.Dir, sub), uid, gid); err != nil {
				return fmt.Errorf("handing %s to uid %d: %w", sub, uid, err)
			}
		}
	}
	return nil
}

// runAs reports the identity commands drop to. Dropping needs root.
func (b *processBackend) runAs() (uid, gid int, ok bool) {
	if b.cfg.RunAsUID > 0 && os.Geteuid() == 0 {
		return b.cfg.RunAsUID, b.cfg.RunAsGID, true
	}
	return 0, 0, false
}

// handOver gives a file the backend wrote on behalf of a run to the run-as
// identity. It is a no-op when commands keep the gateway's identity.
func (b *processBackend) handOver(path string) error {
	uid, gid, ok := b.runAs()
	if !ok {
		return nil
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return fmt.Errorf("handing %s to uid %d: %w", filepath.Base(path), uid, err)
	}
	return nil
}

func (b *processBackend) Execute(ctx context.Context, sb *Sandbox, p Payload) (*runner.Result, error) {
	argv := p.Argv
	if b.cfg.ApplyRlimits {
		argv = append([]string{"sh", "-c", rlimitPrelude(sb.Limits) + `exec "$@"`, "sh"}, argv...)
	}
	req := runner.Request{
		Argv:      argv,
		Dir:       sb.Dir,
		Env:       envList(sb.Env),
		Timeout:   p.Timeout,
		MaxOutput: p.MaxOutput,
		OnStart:   p.OnStart,
	}
	if uid, gid, ok := b.runAs(); ok {
		req.UID, req.GID = uint32(uid), uint32(gid)
	}
	return runner.Run(ctx, req)
}

func (b *processBackend) Teardown(context.Context, *Sandbox) error { return nil }

// rlimitPrelude caps address space (KiB) and file size (512-byte blocks).
func rlimitPrelude(l Limits) string {
	var sb strings.Builder
	if mem, ok := l.get(LimitMemoryBytes); ok {
		fmt.Fprintf(&sb, "ulimit -v %d 2>/dev/null; ", int64(mem)/1024)
	}
	if disk, ok := l.get(LimitDiskBytes); ok {
		fmt.Fprintf(&sb, "ulimit -f %d 2>/dev/null; ", int64(disk)/512)
	}
	return sb.String()
}

// vmBackend is declared so callers get a clear error.
type vmBackend struct{}

func (vmBackend) Level() IsolationLevel { return IsolationVM }

func (vmBackend) Available(context.Context) error {
	return secerr.Unsupported("vm isolation is not implemented")
}

func (vmBackend) Setup(context.Context, *Sandbox) error {
	return secerr.Unsupported("vm isolation is not implemented")
}

func (vmBackend) Execute(context.Context, *Sandbox, Payload) (*runner.Result, error) {
	return nil, secerr.Unsupported("vm isolation is not implemented")
}

func (vmBackend) Teardown(context.Context, *Sandbox) error { return nil }
