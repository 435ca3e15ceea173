//go:build unix

package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/encryption"
)

func TestExec_AuditedThroughGateway(t *testing.T) {
	path, cfg := writeConfig(t)
	dir := t.TempDir()

	require.NoError(t, run("exec", "--config", path, "--user", "alice", "--dir", dir, "--", "echo", "hi"))

	err := run("exec", "--config", path, "--user", "alice", "--dir", dir, "--", "exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))

	err = run("exec", "--config", path, "--user", "alice", "--", "rm", "-rf", "/")
	require.Error(t, err)
	assert.Equal(t, 126, ExitCode(err))
	assert.Contains(t, err.Error(), "validation")

	enc, err := encryption.NewManager(cfg.Keys.Dir)
	require.NoError(t, err)
	res, err := audit.Replay(cfg.Audit.File, enc)
	require.NoError(t, err)
	assert.Empty(t, res.CorruptLines)

	types := make(map[string]int)
	for _, ev := range res.Events {
		types[ev.EventType]++
	}
	assert.Equal(t, 3, types["session_created"])
	assert.Equal(t, 3, types["session_invalidated"])
	assert.Equal(t, 2, types["command_execution_complete"])
	assert.Equal(t, 1, types["blocked_command_attempt"])

	require.NoError(t, run("logs", "--config", path, "--user", "alice"))
	require.NoError(t, run("status", "--config", path))
}

func TestExec_InSandbox(t *testing.T) {
	path, cfg := writeConfig(t)

	require.NoError(t, run("exec", "--config", path, "--isolation", "process", "--env", "MODE=test", "--", "test", "\"$MODE\"", "=", "test"))

	enc, err := encryption.NewManager(cfg.Keys.Dir)
	require.NoError(t, err)
	res, err := audit.Replay(cfg.Audit.File, enc)
	require.NoError(t, err)
	var created, destroyed bool
	for _, ev := range res.Events {
		switch ev.EventType {
		case "sandbox_created":
			created = true
		case "sandbox_destroyed":
			destroyed = true
		}
	}
	assert.True(t, created)
	assert.True(t, destroyed)
}
