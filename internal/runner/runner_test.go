//go:build unix

package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Echo(t *testing.T) {
	res, err := Run(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.True(t, res.Success())
	assert.Positive(t, res.PID)
}

func TestRun_Argv(t *testing.T) {
	res, err := Run(context.Background(), Request{Argv: []string{"sh", "-c", "printf '%s' \"$1\"", "sh", "a b"}})
	require.NoError(t, err)
	assert.Equal(t, "a b", res.Stdout)
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Request{Command: "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.Success())
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Request{Command: "sleep 10", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_TimeoutKillsGrandchildren(t *testing.T) {
	// The backgrounded sleep keeps stdout open; without a group kill Wait
	// would block until WaitDelay.
	start := time.Now()
	res, err := Run(context.Background(), Request{Command: "sleep 10 & sleep 10", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := Run(ctx, Request{Command: "sleep 10"})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Success())
}

func TestRun_Truncated(t *testing.T) {
	res, err := Run(context.Background(), Request{Command: "head -c 5000 /dev/zero", MaxOutput: 100})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, 100)
}

func TestRun_DirEnvStdin(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Request{
		Command: "pwd; echo $GREETING; cat",
		Dir:     dir,
		Env:     append(BaseEnv(), "GREETING=hi"),
		Stdin:   "from stdin",
	})
	require.NoError(t, err)
	lines := strings.Split(res.Stdout, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasSuffix(lines[0], strings.TrimPrefix(dir, "/private")))
	assert.Equal(t, "hi", lines[1])
	assert.Equal(t, "from stdin", lines[2])
}

func TestRun_OnStart(t *testing.T) {
	var pid int
	res, err := Run(context.Background(), Request{Command: "true", OnStart: func(p int) { pid = p }})
	require.NoError(t, err)
	assert.Equal(t, res.PID, pid)
}

func TestRun_Empty(t *testing.T) {
	_, err := Run(context.Background(), Request{Command: "   "})
	require.Error(t, err)
}

func TestRun_StartFailure(t *testing.T) {
	_, err := Run(context.Background(), Request{Argv: []string{"/nonexistent/binary"}})
	require.Error(t, err)
}
