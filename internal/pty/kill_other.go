//go:build windows
// +build windows

package pty

import (
	"errors"
	"os"
)

func killProcessGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func signalOf(*os.ProcessState) string {
	return ""
}
