//go:build unix

package runner

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

func setProcAttr(cmd *exec.Cmd, uid, gid uint32) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if uid != 0 || gid != 0 {
		attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	}
	cmd.SysProcAttr = attr
}

// killGroup kills the whole process group so grandchildren of sh -c die too.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// Terminate sends SIGTERM to pid's process group, waits up to grace, then
// sends SIGKILL. It returns once the group is gone or the kill was sent.
func Terminate(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func usageOf(ps *os.ProcessState) Usage {
	u := Usage{CPUTime: ps.UserTime() + ps.SystemTime()}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		rss := int64(ru.Maxrss)
		if runtime.GOOS == "linux" {
			rss *= 1024
		}
		u.MaxRSSBytes = rss
	}
	return u
}
