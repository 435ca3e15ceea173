//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/secerr"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig(t *testing.T) config.SandboxConfig {
	t.Helper()
	cfg := config.Defaults().Sandbox
	cfg.Root = filepath.Join(t.TempDir(), "sandboxes")
	return cfg
}

func newTestManager(t *testing.T, cfg config.SandboxConfig, opts ...Option) (*Manager, *eventLog) {
	t.Helper()
	events := &eventLog{}
	opts = append([]Option{WithEventHook(events.record), WithGracePeriod(500 * time.Millisecond)}, opts...)
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, events
}

func TestCreateDestroy_LeavesNothing(t *testing.T) {
	m, events := newTestManager(t, testConfig(t))
	ctx := context.Background()

	info, err := m.CreateSandbox(ctx, Request{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "sb-"))
	assert.Equal(t, IsolationProcess, info.Isolation)
	assert.True(t, info.Active)
	assert.DirExists(t, info.WorkingDirectory)
	require.Len(t, m.List(), 1)

	require.NoError(t, m.DestroySandbox(ctx, info.ID))
	assert.NoDirExists(t, info.WorkingDirectory)
	assert.Empty(t, m.List())
	_, ok := m.Status(info.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{EventCreated, EventDestroyed}, events.types())

	// Unknown ids are a no-op.
	require.NoError(t, m.DestroySandbox(ctx, info.ID))
	require.NoError(t, m.DestroySandbox(ctx, "sb-missing"))
}

func TestCreate_ProcessLayout(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	info, err := m.CreateSandbox(context.Background(), Request{
		AgentID: "a",
		Limits:  Limits{LimitMemoryBytes: 256 << 20},
		Env:     map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)

	for _, sub := range []string{"bin", "lib", "tmp"} {
		assert.DirExists(t, filepath.Join(info.WorkingDirectory, sub))
	}
	assert.Equal(t, info.WorkingDirectory, info.Env["HOME"])
	assert.Equal(t, filepath.Join(info.WorkingDirectory, "tmp"), info.Env["TMPDIR"])
	assert.Equal(t, filepath.Join(info.WorkingDirectory, "lib"), info.Env["PYTHONPATH"])
	assert.True(t, strings.HasPrefix(info.Env["PATH"], filepath.Join(info.WorkingDirectory, "bin")))
	assert.Equal(t, "bar", info.Env["FOO"])

	assert.Equal(t, float64(256<<20), info.Limits[LimitMemoryBytes])
	assert.Equal(t, float64(50), info.Limits[LimitCPUPercent])
	assert.Equal(t, float64(300), info.Limits[LimitTimeSeconds])

	st, err := os.Stat(info.WorkingDirectory)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), st.Mode().Perm())
}

func TestCreate_Validation(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()

	_, err := m.CreateSandbox(ctx, Request{})
	require.ErrorIs(t, err, secerr.ErrValidation)

	_, err = m.CreateSandbox(ctx, Request{AgentID: "a", Isolation: "chroot"})
	require.ErrorIs(t, err, secerr.ErrValidation)

	_, err = m.CreateSandbox(ctx, Request{AgentID: "a", Limits: Limits{"gpu": 1}})
	require.ErrorIs(t, err, secerr.ErrValidation)

	_, err = m.CreateSandbox(ctx, Request{AgentID: "a", Isolation: IsolationVM})
	require.ErrorIs(t, err, secerr.ErrUnsupported)
	assert.Empty(t, m.List())
}

func TestExecute_Shell(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)

	res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "echo hello\necho \"$HOME\"\npwd", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "hello", lines[0])
	assert.Equal(t, info.WorkingDirectory, lines[1])

	st, ok := m.Status(info.ID)
	require.True(t, ok)
	assert.Positive(t, st.Usage.ExecutionTime)
	assert.False(t, st.LastActivity.Before(info.LastActivity))

	// Scripts do not accumulate in the sandbox.
	entries, err := os.ReadDir(filepath.Join(info.WorkingDirectory, scriptDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_RunAsIdentity(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("dropping to another uid requires root")
	}
	base := t.TempDir()
	// t.TempDir parents are 0700; the run-as uid has to walk through them.
	for _, dir := range []string{filepath.Dir(base), base} {
		require.NoError(t, os.Chmod(dir, 0o755))
	}
	cfg := testConfig(t)
	cfg.Root = filepath.Join(base, "sandboxes")
	cfg.Process.RunAsUID, cfg.Process.RunAsGID = 65534, 65534
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)

	for range 2 {
		res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "echo hi; id -u; touch made", 5*time.Second)
		require.NoError(t, err)
		require.True(t, res.Success, res.Stderr)
		assert.Equal(t, "hi\n65534\n", res.Stdout)
	}
	assert.FileExists(t, filepath.Join(info.WorkingDirectory, "made"))
}

func TestExecute_PlantedScriptLinkReplaced(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o600))
	dir := filepath.Join(info.WorkingDirectory, scriptDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "run-1.sh")))

	res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "echo fresh", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", res.Stdout)
	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.Symlink(t.TempDir(), dir))
	_, err = m.ExecuteInSandbox(ctx, info.ID, "shell", "echo fresh", 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbolic link")
}

func TestExecute_NonZeroExit(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)

	res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "echo bad >&2; exit 7", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "bad\n", res.Stderr)
}

func TestExecute_OperationNotAllowed(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a", BlockedOperations: []string{"python"}})
	require.NoError(t, err)

	_, err = m.ExecuteInSandbox(ctx, info.ID, "python", "print(1)", time.Second)
	require.ErrorIs(t, err, secerr.ErrPermission)

	_, err = m.ExecuteInSandbox(ctx, info.ID, "ruby", "puts 1", time.Second)
	require.ErrorIs(t, err, secerr.ErrPermission)
}

func TestExecute_UnknownOrDestroyed(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	_, err := m.ExecuteInSandbox(ctx, "sb-nope", "shell", "true", time.Second)
	require.ErrorIs(t, err, secerr.ErrValidation)

	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)
	require.NoError(t, m.DestroySandbox(ctx, info.ID))
	_, err = m.ExecuteInSandbox(ctx, info.ID, "shell", "true", time.Second)
	require.ErrorIs(t, err, secerr.ErrValidation)
}

func TestExecute_Timeout(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)

	start := time.Now()
	res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "sleep 10", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 124, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 5*time.Second)

	st, _ := m.Status(info.ID)
	assert.Zero(t, st.ProcessID, "no process should remain tracked")
}

func TestExecute_TimeCapFromLimits(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a", Limits: Limits{LimitTimeSeconds: 0.3}})
	require.NoError(t, err)

	res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "sleep 10", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}

func TestExecute_DiskLimit(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a", Limits: Limits{LimitDiskBytes: 100}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(info.WorkingDirectory, "big"), make([]byte, 1000), 0o600))

	_, err = m.ExecuteInSandbox(ctx, info.ID, "shell", "true", time.Second)
	require.ErrorIs(t, err, secerr.ErrResourceExceeded)

	u, err := m.Usage(info.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, u.DiskBytes)
}

func TestExecute_MemoryPeakDoesNotGateNextRun(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a", Limits: Limits{LimitMemoryBytes: 256 << 20}})
	require.NoError(t, err)

	// a previous run peaked above the cap
	m.record(info.ID, func(u *ResourceUsage) { u.MemoryBytes = 1 << 30 })
	u, err := m.Usage(info.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Violations(info.Limits))

	for range 2 {
		res, err := m.ExecuteInSandbox(ctx, info.ID, "shell", "echo again", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "again\n", res.Stdout)
	}
	u, err = m.Usage(info.ID)
	require.NoError(t, err)
	assert.Less(t, u.MemoryBytes, int64(256<<20))
}

func TestDestroy_KillsRunningProcess(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	ctx := context.Background()
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.ExecuteInSandbox(ctx, info.ID, "shell", "sleep 30", time.Minute)
	}()

	require.Eventually(t, func() bool {
		st, ok := m.Status(info.ID)
		return ok && st.ProcessID != 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, m.DestroySandbox(ctx, info.ID))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sandboxed process survived destroy")
	}
	assert.NoDirExists(t, info.WorkingDirectory)
}

func TestResolvePath(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	info, err := m.CreateSandbox(context.Background(), Request{AgentID: "a"})
	require.NoError(t, err)

	p, err := m.ResolvePath(info.ID, "src/main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(info.WorkingDirectory, "src", "main.py"), p)

	_, err = m.ResolvePath(info.ID, "../other/file")
	require.ErrorIs(t, err, secerr.ErrPermission)

	_, err = m.ResolvePath(info.ID, "/etc/passwd")
	require.ErrorIs(t, err, secerr.ErrPermission)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(info.WorkingDirectory, "link")))
	_, err = m.ResolvePath(info.ID, "link/secret")
	require.ErrorIs(t, err, secerr.ErrPermission)
}

func TestRecordFileOperation(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	info, err := m.CreateSandbox(context.Background(), Request{AgentID: "a"})
	require.NoError(t, err)
	m.RecordFileOperation(info.ID)
	m.RecordFileOperation(info.ID)
	m.RecordNetworkOperation(info.ID)
	m.RecordFileOperation("sb-unknown")

	u, err := m.Usage(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, u.FileOperations)
	assert.Equal(t, 1, u.NetworkOperations)
}

func TestSweep_IdleDestroyed(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	cfg := testConfig(t)
	cfg.IdleTimeout = time.Hour
	m, events := newTestManager(t, cfg, WithClock(clock))
	ctx := context.Background()

	idle, err := m.CreateSandbox(ctx, Request{AgentID: "idle"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(50 * time.Minute)
	mu.Unlock()
	fresh, err := m.CreateSandbox(ctx, Request{AgentID: "fresh"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(20 * time.Minute)
	mu.Unlock()

	res := m.Sweep(ctx)
	assert.Equal(t, []string{idle.ID}, res.IdleDestroyed)
	assert.NoDirExists(t, idle.WorkingDirectory)
	_, ok := m.Status(fresh.ID)
	assert.True(t, ok)
	assert.Contains(t, events.types(), EventIdleDestroyed)
}

func TestSweep_ViolationFlaggedOrEnforced(t *testing.T) {
	for _, enforce := range []bool{false, true} {
		cfg := testConfig(t)
		cfg.EnforceLimits = enforce
		m, events := newTestManager(t, cfg)
		ctx := context.Background()

		info, err := m.CreateSandbox(ctx, Request{AgentID: "a", Limits: Limits{LimitDiskBytes: 10}})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(info.WorkingDirectory, "f"), make([]byte, 100), 0o600))

		res := m.Sweep(ctx)
		assert.Equal(t, []string{info.ID}, res.Flagged)
		assert.Contains(t, events.types(), EventResourceViolation)

		st, ok := m.Status(info.ID)
		if enforce {
			assert.False(t, ok)
			assert.Equal(t, []string{info.ID}, res.ViolationDestroyed)
		} else {
			require.True(t, ok)
			assert.NotEmpty(t, st.Violations)
			assert.True(t, st.Active)
		}
	}
}

func TestMonitor_StartStopRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.IdleTimeout = time.Nanosecond
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	m.Start(ctx)
	m.Start(ctx)
	info, err := m.CreateSandbox(ctx, Request{AgentID: "a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := m.Status(info.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()

	m.Start(ctx)
	m.Stop()
}

func TestLimitsMergeAndViolations(t *testing.T) {
	l := DefaultLimits().Merge(Limits{LimitCPUPercent: 10})
	assert.Equal(t, float64(10), l[LimitCPUPercent])
	assert.Equal(t, float64(512<<20), l[LimitMemoryBytes])

	u := ResourceUsage{CPUPercent: 20, MemoryBytes: 1}
	v := u.Violations(l)
	require.Len(t, v, 1)
	assert.Contains(t, v[0], "cpu_percent")

	assert.Empty(t, u.Violations(Limits{LimitCPUPercent: 0}))
}
