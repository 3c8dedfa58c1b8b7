//go:build windows

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func setSession(*exec.Cmd) {}

func termGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func processGroup(int) (int, error) { return 0, errors.New("process groups not supported") }

func killPid(pid int32) error { return killGroup(int(pid)) }
