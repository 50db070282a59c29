package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	ptylib "github.com/creack/pty"
	"github.com/rs/zerolog"
)

const (
	// DefaultReadBufferSize is the buffer size for reading pty output.
	DefaultReadBufferSize = 4096

	// eventQueueSize bounds output chunks waiting for the owning session.
	eventQueueSize = 64

	// drainTimeout is how long output may keep arriving after the shell is
	// reaped before the master is closed. Background jobs that inherited the
	// slave would otherwise keep the read loop alive forever.
	drainTimeout = 500 * time.Millisecond
)

// Handle is a Process backed by an OS pseudo-terminal.
type Handle struct {
	cmd    *exec.Cmd
	master *os.File
	events chan Event
	logger zerolog.Logger

	readDone  chan struct{}
	closeOnce sync.Once
	killOnce  sync.Once

	mu     sync.RWMutex
	exited bool
}

// Launcher is the Spawner that starts real shells.
type Launcher struct {
	Logger zerolog.Logger
}

// NewLauncher returns a Launcher logging with logger.
func NewLauncher(logger zerolog.Logger) *Launcher {
	return &Launcher{Logger: logger.With().Str("module", "pty").Logger()}
}

// Spawn implements Spawner.
func (l *Launcher) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	h, err := Start(ctx, opts, l.Logger)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Start starts the command described by opts on a new pty and begins
// streaming its output. All failures wrap ErrSpawn.
func Start(ctx context.Context, opts SpawnOptions, logger zerolog.Logger) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	opts = opts.withDefaults()

	command := opts.Command
	if command == "" {
		shell, err := DetectShell()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
		}
		command = shell
	}

	parts := SplitCommand(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid command %q", ErrSpawn, command)
	}

	dir, err := ResolveDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	cmd := exec.Command(parts[0], append(parts[1:], opts.Args...)...)
	cmd.Dir = dir
	cmd.Env = BuildEnv(os.Environ(), opts.Env, opts.TermName)

	// StartWithSize makes the shell a session leader with the pty as its
	// controlling terminal, so Kill can signal the whole group.
	master, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawn, parts[0], err)
	}

	h := &Handle{
		cmd:      cmd,
		master:   master,
		events:   make(chan Event, eventQueueSize),
		logger:   logger.With().Int("pid", cmd.Process.Pid).Logger(),
		readDone: make(chan struct{}),
	}

	go h.readLoop()
	go h.waitLoop()

	h.logger.Debug().Str("command", command).Str("dir", dir).
		Uint16("cols", opts.Cols).Uint16("rows", opts.Rows).Msg("process started")

	return h, nil
}

// PID returns the process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Events returns the output stream. The consumer must drain it until it is
// closed.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Write writes data to the pty input.
func (h *Handle) Write(data []byte) (int, error) {
	if h.isExited() {
		return 0, ErrDeadProcess
	}

	n, err := h.master.Write(data)
	if err != nil {
		if h.isExited() || errors.Is(err, os.ErrClosed) {
			return n, ErrDeadProcess
		}
		return n, fmt.Errorf("write to pty: %w", err)
	}
	return n, nil
}

// Resize changes the pty window size.
func (h *Handle) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	if h.isExited() {
		return ErrDeadProcess
	}

	if err := ptylib.Setsize(h.master, &ptylib.Winsize{Cols: cols, Rows: rows}); err != nil {
		if h.isExited() || errors.Is(err, os.ErrClosed) {
			return ErrDeadProcess
		}
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Kill terminates the process group. Calling it more than once, or after
// the process exited, is a no-op.
func (h *Handle) Kill() error {
	if h.isExited() {
		return nil
	}

	var err error
	h.killOnce.Do(func() {
		err = killProcessGroup(h.cmd.Process)
	})
	return err
}

func (h *Handle) isExited() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exited
}

func (h *Handle) closeMaster() {
	h.closeOnce.Do(func() {
		h.master.Close()
	})
}

// readLoop forwards pty output as data events until the pty is closed.
func (h *Handle) readLoop() {
	defer close(h.readDone)

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := h.master.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.events <- Event{Data: data}
		}
		if err != nil {
			// EIO is how Linux reports that the slave side has gone away.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				h.logger.Debug().Err(err).Msg("pty read ended")
			}
			return
		}
	}
}

// waitLoop reaps the process, lets the remaining output drain, and then
// emits the exit event as the final event.
func (h *Handle) waitLoop() {
	waitErr := h.cmd.Wait()
	status := exitStatusOf(h.cmd.ProcessState)

	select {
	case <-h.readDone:
	case <-time.After(drainTimeout):
		h.closeMaster()
		<-h.readDone
	}

	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	h.closeMaster()

	ev := h.logger.Debug().Int("code", status.Code)
	if status.Signal != "" {
		ev = ev.Str("signal", status.Signal)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			ev = ev.Err(waitErr)
		}
	}
	ev.Msg("process exited")

	h.events <- Event{Exit: &status}
	close(h.events)
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode(), Signal: signalOf(state)}
}
