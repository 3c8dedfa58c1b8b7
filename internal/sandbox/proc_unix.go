//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts short-lived check commands in their own group so a
// timeout kills the shell and everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setSession detaches a background process into a new session.
func setSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func termGroup(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

func killGroup(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }

func processGroup(pid int) (int, error) { return syscall.Getpgid(pid) }

// killPid kills pid's whole process group when it leads one, otherwise
// just pid.
func killPid(pid int32) error {
	if g, err := syscall.Getpgid(int(pid)); err == nil && g == int(pid) {
		return killGroup(int(pid))
	}
	return syscall.Kill(int(pid), syscall.SIGKILL)
}
