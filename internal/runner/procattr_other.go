//go:build !unix

package runner

import (
	"os"
	"os/exec"
	"time"
)

func setProcAttr(*exec.Cmd, uint32, uint32) {}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Terminate kills pid.
func Terminate(pid int, _ time.Duration) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func usageOf(ps *os.ProcessState) Usage {
	return Usage{CPUTime: ps.UserTime() + ps.SystemTime()}
}
