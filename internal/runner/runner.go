// Package runner spawns subprocesses with a deadline, bounded output
// capture and process-group cleanup.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// TimeoutExitCode is reported when a process is killed at its deadline,
// matching coreutils timeout(1).
const TimeoutExitCode = 124

// DefaultMaxOutput caps each of stdout and stderr.
const DefaultMaxOutput = 1 << 20

// Request describes one process. Exactly one of Command or Argv is set.
type Request struct {
	// Command is run through sh -c.
	Command string
	// Argv is executed directly.
	Argv []string

	Dir string
	// Env replaces the environment when non-nil.
	Env   []string
	Stdin string

	Timeout   time.Duration
	MaxOutput int

	// Credential sets the uid/gid to run as; zero values keep the caller's.
	UID, GID uint32

	// OnStart is called with the pid once the process has started.
	OnStart func(pid int)
}

// Usage is resource accounting reported by the kernel after exit.
type Usage struct {
	CPUTime     time.Duration `json:"cpu_time"`
	MaxRSSBytes int64         `json:"max_rss_bytes"`
}

// Result is the outcome of a process that was started.
type Result struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Cancelled bool          `json:"cancelled"`
	Truncated bool          `json:"truncated"`
	PID       int           `json:"pid"`
	Usage     Usage         `json:"usage"`
}

// Success reports a zero exit that was neither killed nor cancelled.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// Run starts the process and waits for it. A non-zero exit, a timeout and a
// cancellation are all reported in Result; the error is only set when the
// process could not be started.
func Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" && len(req.Argv) == 0 {
		return nil, errors.New("runner: empty command")
	}
	maxOut := req.MaxOutput
	if maxOut <= 0 {
		maxOut = DefaultMaxOutput
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var cmd *exec.Cmd
	if len(req.Argv) > 0 {
		cmd = exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	} else {
		cmd = exec.CommandContext(runCtx, "sh", "-c", req.Command)
	}
	cmd.Dir = req.Dir
	if req.Env != nil {
		cmd.Env = req.Env
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	stdout := &limitedBuffer{limit: maxOut}
	stderr := &limitedBuffer{limit: maxOut}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setProcAttr(cmd, req.UID, req.GID)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}
	waitErr := cmd.Wait()

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
		PID:       cmd.Process.Pid,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Usage = usageOf(cmd.ProcessState)
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
	case ctx.Err() != nil:
		res.Cancelled = true
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && res.ExitCode == 0 {
			// I/O copy failure after a clean exit.
			res.ExitCode = -1
			res.Stderr += waitErr.Error()
		}
	}
	return res, nil
}

// LookPath reports whether name resolves on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// BaseEnv is a minimal environment for child processes.
func BaseEnv() []string {
	keep := []string{"PATH", "LANG", "LC_ALL", "TZ"}
	var env []string
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string { return l.buf.String() }
