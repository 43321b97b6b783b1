//go:build !windows

package controller

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup configures cmd to run in its own process group so the
// whole subprocess tree can be torn down on timeout, mirroring the
// teacher's tactile.setupProcessGroup.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateProcessGroup sends SIGTERM to the process group, giving the
// subprocess a chance to exit cleanly before killProcessGroup escalates.
func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil && pgid > 0 {
		syscall.Kill(-pgid, syscall.SIGTERM)
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

// killProcessGroup forcibly kills the process group with SIGKILL.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil && pgid > 0 {
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
	cmd.Process.Kill()
}
