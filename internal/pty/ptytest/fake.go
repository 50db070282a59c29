// Package ptytest provides in-memory Process and Spawner fakes for tests of
// code that drives terminals.
package ptytest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fakeos/termbroker/internal/pty"
)

// Process is a scripted pty.Process. Output is injected with Emit and the
// exit with Exit; input written by the code under test is recorded.
type Process struct {
	pid    int
	events chan pty.Event

	mu     sync.Mutex
	exited bool
	input  []byte
	cols   uint16
	rows   uint16
	killed bool

	// Written receives a copy of every successful Write.
	Written chan []byte
}

var nextPID atomic.Int64

// NewProcess returns a running fake process with the given initial size.
func NewProcess(cols, rows uint16) *Process {
	return &Process{
		pid:     int(nextPID.Add(1)) + 10000,
		events:  make(chan pty.Event, 1024),
		cols:    cols,
		rows:    rows,
		Written: make(chan []byte, 1024),
	}
}

func (p *Process) PID() int                 { return p.pid }
func (p *Process) Events() <-chan pty.Event { return p.events }

func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, pty.ErrDeadProcess
	}
	p.input = append(p.input, data...)
	select {
	case p.Written <- append([]byte(nil), data...):
	default:
	}
	return len(data), nil
}

func (p *Process) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return pty.ErrInvalidSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return pty.ErrDeadProcess
	}
	p.cols, p.rows = cols, rows
	return nil
}

// Kill ends the process as if by SIGKILL.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(pty.ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

// Emit queues an output chunk. It is ignored after exit.
func (p *Process) Emit(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.events <- pty.Event{Data: []byte(data)}
}

// Exit ends the process with code.
func (p *Process) Exit(code int) {
	p.finish(pty.ExitStatus{Code: code})
}

func (p *Process) finish(status pty.ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.events <- pty.Event{Exit: &status}
	close(p.events)
}

// Input returns everything written so far.
func (p *Process) Input() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.input...)
}

// Size returns the current window size.
func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Spawner hands out fake processes and records every spawn.
type Spawner struct {
	mu       sync.Mutex
	procs    []*Process
	opts     []pty.SpawnOptions
	failures []error
	spawned  chan *Process

	delay       time.Duration
	exitOnSpawn *int
}

// NewSpawner returns an empty Spawner.
func NewSpawner() *Spawner {
	return &Spawner{spawned: make(chan *Process, 1024)}
}

// Spawn implements pty.Spawner.
func (s *Spawner) Spawn(ctx context.Context, opts pty.SpawnOptions) (pty.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, err
	}
	p := NewProcess(opts.Cols, opts.Rows)
	s.procs = append(s.procs, p)
	s.opts = append(s.opts, opts)
	exitCode := s.exitOnSpawn
	s.mu.Unlock()

	if exitCode != nil {
		p.Exit(*exitCode)
	}

	select {
	case s.spawned <- p:
	default:
	}
	return p, nil
}

// FailNext makes the next spawn return err. Calls queue up.
func (s *Spawner) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

// SetDelay makes every spawn take d, like a real fork and exec.
func (s *Spawner) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// ExitOnSpawn makes every later process exit with code before Spawn
// returns.
func (s *Spawner) ExitOnSpawn(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitOnSpawn = &code
}

// Spawned delivers each process as it is spawned.
func (s *Spawner) Spawned() <-chan *Process {
	return s.spawned
}

// Count returns the number of successful spawns.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recently spawned process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Options returns the options of spawn i.
func (s *Spawner) Options(i int) pty.SpawnOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts[i]
}
