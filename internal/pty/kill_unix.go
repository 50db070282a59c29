//go:build !windows
// +build !windows

package pty

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// killProcessGroup sends SIGKILL to the group led by p. The shell is a
// session leader, so its pid is also the group id.
func killProcessGroup(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		// The group is gone; make sure the leader itself is reaped too.
		err = p.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

func signalOf(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}
