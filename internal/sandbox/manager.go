// Package sandbox creates and supervises isolated working environments for
// agents. Each sandbox owns a private directory tree and runs programs
// through a Backend chosen by its isolation level.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/runner"
	"github.com/oktsec/warden/internal/safefile"
	"github.com/oktsec/warden/internal/secerr"
)

const scriptDir = ".warden"

var scriptExt = map[string]string{
	"shell":  ".sh",
	"python": ".py",
	"node":   ".js",
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      config.SandboxConfig
	root     string
	defaults Limits
	backends map[IsolationLevel]Backend
	logger   *slog.Logger
	onEvent  func(Event)
	now      func() time.Time
	grace    time.Duration
	maxOut   int

	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	monMu   sync.Mutex
	monStop context.CancelFunc
	monWG   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithEventHook receives lifecycle events.
func WithEventHook(fn func(Event)) Option { return func(m *Manager) { m.onEvent = fn } }

// WithBackend replaces the backend for b.Level().
func WithBackend(b Backend) Option { return func(m *Manager) { m.backends[b.Level()] = b } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithGracePeriod sets how long teardown waits between SIGTERM and SIGKILL.
func WithGracePeriod(d time.Duration) Option { return func(m *Manager) { m.grace = d } }

// WithMaxOutput caps captured stdout and stderr per execution.
func WithMaxOutput(n int) Option { return func(m *Manager) { m.maxOut = n } }

// NewManager creates the sandbox root and the backends.
func NewManager(cfg config.SandboxConfig, opts ...Option) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("sandbox root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if err := safefile.EnsurePrivateDir(root); err != nil {
		return nil, err
	}
	process := &processBackend{cfg: cfg.Process}
	if _, _, ok := process.runAs(); ok {
		// the run-as identity must traverse root to reach its own sandbox
		if err := os.Chmod(root, 0o711); err != nil {
			return nil, fmt.Errorf("opening sandbox root to uid %d: %w", cfg.Process.RunAsUID, err)
		}
	}
	if cfg.DefaultIsolation == "" {
		cfg.DefaultIsolation = string(IsolationProcess)
	}
	m := &Manager{
		cfg:      cfg,
		root:     root,
		defaults: DefaultLimits(),
		backends: map[IsolationLevel]Backend{
			IsolationNone:      noneBackend{},
			IsolationProcess:   process,
			IsolationContainer: newContainerBackend(cfg.Container, nil),
			IsolationVM:        vmBackend{},
		},
		logger:    slog.Default(),
		now:       time.Now,
		grace:     5 * time.Second,
		maxOut:    runner.DefaultMaxOutput,
		sandboxes: make(map[string]*Sandbox),
	}
	for k, v := range LimitsFrom(cfg.DefaultLimits) {
		if v > 0 {
			m.defaults[k] = v
		}
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Root returns the absolute directory holding sandbox trees.
func (m *Manager) Root() string { return m.root }

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// CreateSandbox allocates a private directory, prepares the backend and
// registers the sandbox as active.
func (m *Manager) CreateSandbox(ctx context.Context, req Request) (Info, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return Info{}, secerr.Validation("agent id is required")
	}
	level := req.Isolation
	if level == "" {
		level = IsolationLevel(m.cfg.DefaultIsolation)
	}
	if _, err := ParseIsolation(string(level)); err != nil {
		return Info{}, secerr.Validation("%v", err)
	}
	backend := m.backends[level]
	if err := backend.Available(ctx); err != nil {
		return Info{}, err
	}
	for k := range req.Limits {
		switch k {
		case LimitCPUPercent, LimitMemoryBytes, LimitDiskBytes, LimitTimeSeconds, LimitNetworkBytes:
		default:
			return Info{}, secerr.Validation("unknown resource limit %q", k)
		}
	}

	allowed := req.AllowedOperations
	if len(allowed) == 0 {
		allowed = m.cfg.AllowedOperations
	}
	now := m.now()
	sb := &Sandbox{
		ID:                "sb-" + uuid.NewString(),
		AgentID:           req.AgentID,
		Isolation:         level,
		Limits:            m.defaults.Merge(req.Limits),
		AllowedOperations: slices.Clone(allowed),
		BlockedOperations: slices.Clone(req.BlockedOperations),
		Env:               maps.Clone(req.Env),
		NetworkAccess:     req.NetworkAccess,
		CreatedAt:         now,
		lastActivity:      now,
		active:            true,
		pids:              make(map[int]struct{}),
	}
	if sb.Env == nil {
		sb.Env = map[string]string{}
	}
	sb.Dir = filepath.Join(m.root, sb.ID)
	if err := safefile.EnsurePrivateDir(sb.Dir); err != nil {
		return Info{}, err
	}
	if err := backend.Setup(ctx, sb); err != nil {
		_ = os.RemoveAll(sb.Dir)
		return Info{}, fmt.Errorf("setting up %s sandbox: %w", level, err)
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	info := sb.info()
	m.mu.Unlock()

	m.logger.Info("sandbox created", "sandbox", sb.ID, "agent", sb.AgentID, "isolation", level)
	m.emit(Event{
		Type:      EventCreated,
		SandboxID: sb.ID,
		AgentID:   sb.AgentID,
		Details:   map[string]any{"isolation_level": string(level), "network_access": sb.NetworkAccess},
	})
	return info, nil
}

// ExecuteInSandbox writes code into the sandbox and runs it with the
// operation's interpreter. A timeout is a result with exit code 124, not an
// error.
func (m *Manager) ExecuteInSandbox(ctx context.Context, id, operation, code string, timeout time.Duration) (*ExecResult, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return nil, secerr.Validation("sandbox %s not found", id)
	}
	if !sb.active {
		m.mu.Unlock()
		return nil, secerr.Validation("sandbox %s is not active", id)
	}
	if !slices.Contains(sb.AllowedOperations, operation) || slices.Contains(sb.BlockedOperations, operation) {
		m.mu.Unlock()
		return nil, secerr.Permission("operation %q is not allowed in sandbox %s", operation, id)
	}
	sb.execSeq++
	seq := sb.execSeq
	usage := sb.usage
	m.mu.Unlock()

	interp := m.cfg.Interpreters[operation]
	if len(interp) == 0 {
		return nil, secerr.Validation("no interpreter configured for operation %q", operation)
	}

	disk, err := dirSize(sb.Dir)
	if err != nil {
		return nil, fmt.Errorf("measuring sandbox disk: %w", err)
	}
	usage.DiskBytes = disk
	usage.CPUPercent = 0  // CPU is a throttle quota, not a gate
	usage.MemoryBytes = 0 // a finished run's peak RSS says nothing about the next run
	if v := usage.Violations(sb.Limits); len(v) > 0 {
		return nil, secerr.ResourceExceeded("sandbox %s over limit: %s", id, strings.Join(v, ", "))
	}

	if secs, ok := sb.Limits.get(LimitTimeSeconds); ok {
		capped := time.Duration(secs * float64(time.Second))
		if timeout <= 0 || timeout > capped {
			timeout = capped
		}
	}

	rel := filepath.Join(scriptDir, fmt.Sprintf("run-%d%s", seq, scriptExt[operation]))
	script := filepath.Join(sb.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(script), 0o700); err != nil {
		return nil, fmt.Errorf("preparing script dir: %w", err)
	}
	// the sandbox tree may belong to the run-as identity
	if err := safefile.RejectSymlink(filepath.Dir(script)); err != nil {
		return nil, fmt.Errorf("preparing script dir: %w", err)
	}
	if err := writeScript(script, code); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}
	defer os.Remove(script) //nolint:errcheck // best-effort cleanup
	if pb, ok := m.backends[sb.Isolation].(*processBackend); ok {
		for _, p := range []string{filepath.Dir(script), script} {
			if err := pb.handOver(p); err != nil {
				return nil, err
			}
		}
	}

	var started []int
	payload := Payload{
		Argv:      append(slices.Clone(interp), "./"+filepath.ToSlash(rel)),
		Timeout:   timeout,
		MaxOutput: m.maxOut,
		OnStart: func(pid int) {
			m.mu.Lock()
			sb.pids[pid] = struct{}{}
			m.mu.Unlock()
			started = append(started, pid)
		},
	}
	res, err := m.backends[sb.Isolation].Execute(ctx, sb, payload)

	m.mu.Lock()
	for _, pid := range started {
		delete(sb.pids, pid)
	}
	sb.lastActivity = m.now()
	if res != nil {
		sb.usage.ExecutionTime += res.Duration
		sb.usage.MemoryBytes = res.Usage.MaxRSSBytes
		if res.Duration > 0 {
			sb.usage.CPUPercent = float64(res.Usage.CPUTime) / float64(res.Duration) * 100
		}
	}
	m.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("executing in sandbox %s: %w", id, err)
	}
	return &ExecResult{
		Success:       res.Success(),
		ExitCode:      res.ExitCode,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExecutionTime: res.Duration,
		TimedOut:      res.TimedOut,
		Truncated:     res.Truncated,
	}, nil
}

// writeScript creates path exclusively so a planted file or link at that name
// is replaced rather than written through.
func writeScript(path, code string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close() //nolint:errcheck // write error wins
		return err
	}
	return f.Close()
}

// DestroySandbox terminates tracked processes, tears down the backend and
// removes the directory tree. Unknown ids are a no-op.
func (m *Manager) DestroySandbox(ctx context.Context, id string) error {
	return m.destroy(ctx, id, EventDestroyed, nil)
}

func (m *Manager) destroy(ctx context.Context, id, eventType string, details map[string]any) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sandboxes, id)
	sb.active = false
	pids := slices.Collect(maps.Keys(sb.pids))
	m.mu.Unlock()

	for _, pid := range pids {
		runner.Terminate(pid, m.grace)
	}
	var errs []error
	if err := m.backends[sb.Isolation].Teardown(ctx, sb); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(sb.Dir); err != nil {
		errs = append(errs, fmt.Errorf("removing %s: %w", sb.Dir, err))
	}
	err := errors.Join(errs...)
	if err != nil {
		m.logger.Error("sandbox teardown incomplete", "sandbox", id, "error", err)
	} else {
		m.logger.Info("sandbox destroyed", "sandbox", id, "reason", eventType)
	}

	if details == nil {
		details = map[string]any{}
	}
	if err != nil {
		details["error"] = err.Error()
	}
	m.emit(Event{Type: eventType, SandboxID: id, AgentID: sb.AgentID, Details: details})
	return err
}

// Usage samples current consumption.
func (m *Manager) Usage(id string) (ResourceUsage, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return ResourceUsage{}, secerr.Validation("sandbox %s not found", id)
	}
	usage := sb.usage
	dir := sb.Dir
	m.mu.Unlock()

	disk, err := dirSize(dir)
	if err != nil {
		return usage, fmt.Errorf("measuring sandbox disk: %w", err)
	}
	usage.DiskBytes = disk
	return usage, nil
}

// ResolvePath maps path into the sandbox tree. Relative paths are taken
// from the sandbox directory; anything resolving outside it is denied.
func (m *Manager) ResolvePath(id, path string) (string, error) {
	info, ok := m.Status(id)
	if !ok {
		return "", secerr.Validation("sandbox %s not found", id)
	}
	if !info.Active {
		return "", secerr.Validation("sandbox %s is not active", id)
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(info.WorkingDirectory, p)
	}
	p = filepath.Clean(p)
	if !within(info.WorkingDirectory, p) {
		return "", secerr.Permission("path %s is outside sandbox %s", path, id)
	}
	resolved, err := safefile.ResolveExisting(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	root, err := filepath.EvalSymlinks(info.WorkingDirectory)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox dir: %w", err)
	}
	if !within(root, resolved) {
		return "", secerr.Permission("path %s escapes sandbox %s through a link", path, id)
	}
	return p, nil
}

// RecordFileOperation counts a file change and refreshes activity.
func (m *Manager) RecordFileOperation(id string) {
	m.record(id, func(u *ResourceUsage) { u.FileOperations++ })
}

// RecordNetworkOperation counts a network-capable command.
func (m *Manager) RecordNetworkOperation(id string) {
	m.record(id, func(u *ResourceUsage) { u.NetworkOperations++ })
}

func (m *Manager) record(id string, fn func(*ResourceUsage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok {
		fn(&sb.usage)
		sb.lastActivity = m.now()
	}
}

// List returns every sandbox, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb.info())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Status returns one sandbox.
func (m *Manager) Status(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return Info{}, false
	}
	return sb.info(), true
}

// Close stops the monitor and destroys every sandbox.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop()
	var errs []error
	for _, info := range m.List() {
		if err := m.DestroySandbox(ctx, info.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
