// Package pty starts shell processes attached to pseudo-terminals and exposes
// them as a stream of output events terminated by a single exit event.
package pty

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSpawn is returned when a pty could not be allocated or the shell
	// could not be executed.
	ErrSpawn = errors.New("spawn failed")

	// ErrDeadProcess is returned by Write and Resize once the process has exited.
	ErrDeadProcess = errors.New("process has exited")

	// ErrInvalidSize is returned by Resize for zero dimensions.
	ErrInvalidSize = errors.New("invalid terminal size")
)

const (
	// DefaultCols and DefaultRows are the initial geometry when none is given.
	DefaultCols = 80
	DefaultRows = 24

	// DefaultTermName is exported to the shell as TERM.
	DefaultTermName = "xterm-color"
)

// SpawnOptions describes the process to start.
type SpawnOptions struct {
	// Command is the shell command line. It may carry arguments, which are
	// split honoring single and double quotes.
	Command string

	// Args are appended after the arguments parsed from Command.
	Args []string

	// Dir is the working directory. "~" expands to the user's home; empty
	// means $HOME, falling back to the current directory.
	Dir string

	// Env overrides variables of the broker's own environment.
	Env map[string]string

	// TermName is exported as TERM unless Env already sets it.
	TermName string

	// Cols and Rows are the initial window size.
	Cols uint16
	Rows uint16
}

func (o SpawnOptions) withDefaults() SpawnOptions {
	if o.Cols == 0 {
		o.Cols = DefaultCols
	}
	if o.Rows == 0 {
		o.Rows = DefaultRows
	}
	if o.TermName == "" {
		o.TermName = DefaultTermName
	}
	return o
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int

	// Signal names the terminating signal, if any.
	Signal string
}

// String renders the status for exit notices.
func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Event is one item of a process's output stream. Exactly one of Data and
// Exit is set. The exit event is always the last event before the channel
// is closed.
type Event struct {
	Data []byte
	Exit *ExitStatus
}

// Process is a running pty-backed subprocess.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Write forwards bytes to the terminal input.
	Write(p []byte) (int, error)

	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error

	// Events returns the output stream.
	Events() <-chan Event

	// Kill terminates the process and its process group. It is idempotent.
	Kill() error
}

// Spawner starts processes. Sessions receive one so tests can substitute
// a fake terminal.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, opts SpawnOptions) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	return f(ctx, opts)
}
