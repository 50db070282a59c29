// Package session owns live terminal sessions: one shell process, its
// output history and the viewers attached to it, plus the registry that
// maps caller-supplied ids to sessions.
//
// Every mutation of a Session runs on its dispatcher goroutine. Process
// output, attach, detach, input, resize and exit handling are messages to
// that goroutine, so a viewer that attaches receives the history snapshot
// followed by exactly the output produced after it, with no gap and no
// duplicate.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fakeos/termbroker/internal/buffer"
	"github.com/fakeos/termbroker/internal/metrics"
	"github.com/fakeos/termbroker/internal/model"
	"github.com/fakeos/termbroker/internal/pty"
)

const (
	// DefaultRespawnBackoff is the pause before a respawning session starts
	// a new shell.
	DefaultRespawnBackoff = time.Second

	// DefaultInputQueueSize bounds pending writes and resizes per session.
	DefaultInputQueueSize = 256

	// RespawnNotice is written to viewers of a respawning session when its
	// shell exits.
	RespawnNotice = "\r\n[session ended, respawning]\r\n"

	closedMessage = "session closed"
	mailboxSize   = 64
)

// Options configures a Session.
type Options struct {
	ID    string
	Spawn pty.SpawnOptions

	// HistorySize is the replay buffer capacity in bytes.
	HistorySize int

	// RespawnOnExit makes the session start a new shell after
	// RespawnBackoff whenever the current one exits, instead of ending.
	RespawnOnExit  bool
	RespawnBackoff time.Duration

	// MaxSubscribers limits attached viewers. Zero means unlimited.
	MaxSubscribers int

	InputQueueSize int

	Logger   zerolog.Logger
	Recorder Recorder
	Metrics  *metrics.Collectors

	// OnExit runs on the dispatcher once the session has ended, after every
	// viewer was notified and before Done is closed. info is the final state.
	// It must not call back into the session.
	OnExit func(s *Session, status pty.ExitStatus, info model.SessionInfo)
}

func (o Options) withDefaults() Options {
	if o.HistorySize <= 0 {
		o.HistorySize = buffer.DefaultHistorySize
	}
	if o.RespawnBackoff <= 0 {
		o.RespawnBackoff = DefaultRespawnBackoff
	}
	if o.InputQueueSize <= 0 {
		o.InputQueueSize = DefaultInputQueueSize
	}
	if o.Spawn.Cols == 0 {
		o.Spawn.Cols = pty.DefaultCols
	}
	if o.Spawn.Rows == 0 {
		o.Spawn.Rows = pty.DefaultRows
	}
	return o
}

// Session is one shell process shared by any number of viewers.
type Session struct {
	id        string
	mode      model.SessionMode
	opts      Options
	spawner   pty.Spawner
	logger    zerolog.Logger
	metrics   *metrics.Collectors
	history   *buffer.RingBuffer
	createdAt time.Time

	mailbox chan any
	writes  chan writeOp
	done    chan struct{}

	// ctx scopes respawns; it is cancelled when the session ends.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the dispatcher goroutine.
	proc         pty.Process
	events       <-chan pty.Event
	subs         []Viewer
	cols, rows   uint16
	respawns     int
	lastActivity time.Time
	lastExit     pty.ExitStatus
	closing      bool
	retry        *time.Timer

	finalMu sync.Mutex
	final   *model.SessionInfo
}

type (
	attachReq struct {
		viewer Viewer
		reply  chan error
	}
	detachReq struct {
		viewerID string
		reply    chan struct{}
	}
	inputReq  struct{ data []byte }
	resizeReq struct{ cols, rows uint16 }
	killReq   struct{ reply chan error }
	infoReq   struct{ reply chan model.SessionInfo }
	idleReq   struct {
		timeout time.Duration
		reply   chan bool
	}
	closeReq   struct{}
	respawnReq struct{}
)

// writeOp is handed to the writer goroutine with the process it targets, so
// input queued before a respawn never reaches the new shell.
type writeOp struct {
	proc       pty.Process
	data       []byte
	resize     bool
	cols, rows uint16
}

// New spawns the session's first process and starts its dispatcher. A spawn
// failure is returned as is and leaves nothing running.
func New(ctx context.Context, spawner pty.Spawner, opts Options) (*Session, error) {
	s, err := spawn(ctx, spawner, opts)
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

// spawn starts the first process without starting the dispatcher, so no
// exit is observed before start is called.
func spawn(ctx context.Context, spawner pty.Spawner, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	proc, err := spawner.Spawn(ctx, opts.Spawn)
	if err != nil {
		opts.Metrics.SpawnFailed()
		return nil, err
	}

	mode := model.SessionModeShared
	if opts.RespawnOnExit {
		mode = model.SessionModeStandalone
	}

	now := time.Now()
	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      opts.ID,
		mode:    mode,
		opts:    opts,
		spawner: spawner,
		logger: opts.Logger.With().
			Str("module", "session").
			Str("session", opts.ID).
			Str("mode", string(mode)).
			Logger(),
		metrics:      opts.Metrics,
		history:      buffer.NewRingBuffer(opts.HistorySize),
		createdAt:    now,
		mailbox:      make(chan any, mailboxSize),
		writes:       make(chan writeOp, opts.InputQueueSize),
		done:         make(chan struct{}),
		ctx:          sessionCtx,
		cancel:       cancel,
		proc:         proc,
		events:       proc.Events(),
		cols:         opts.Spawn.Cols,
		rows:         opts.Spawn.Rows,
		lastActivity: now,
	}

	s.metrics.SessionOpened(string(mode))
	s.logger.Info().Int("pid", proc.PID()).Msg("session started")
	return s, nil
}

func (s *Session) start() {
	go s.run()
	go s.writeLoop()
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Mode reports whether the session is shared or standalone.
func (s *Session) Mode() model.SessionMode { return s.mode }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Exited reports whether the session has ended.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Attach subscribes v and replays the current history to it. On error v is
// not subscribed. Attaching a viewer that is already subscribed replays the
// history again.
func (s *Session) Attach(v Viewer) error {
	req := attachReq{viewer: v, reply: make(chan error, 1)}
	if err := s.send(req); err != nil {
		return err
	}
	err, ok := await(s.done, req.reply)
	if !ok {
		return ErrSessionExited
	}
	return err
}

// Detach unsubscribes v. When it returns no further output is delivered to
// v. The process keeps running.
func (s *Session) Detach(v Viewer) {
	req := detachReq{viewerID: v.ID(), reply: make(chan struct{}, 1)}
	if s.send(req) != nil {
		return
	}
	await(s.done, req.reply)
}

// Input queues data for the process. It does not wait for the write; input
// that cannot be written is dropped and logged.
func (s *Session) Input(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.send(inputReq{data: data})
}

// Resize queues a window size change. Failures are dropped and logged.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return pty.ErrInvalidSize
	}
	return s.send(resizeReq{cols: cols, rows: rows})
}

// KillProcess kills the current process. A respawning session starts a
// new one after its backoff; any other session ends.
func (s *Session) KillProcess() error {
	req := killReq{reply: make(chan error, 1)}
	if err := s.send(req); err != nil {
		return err
	}
	err, ok := await(s.done, req.reply)
	if !ok {
		return ErrSessionExited
	}
	return err
}

// Close kills the process and ends the session without respawning. It
// waits until the session has ended or ctx is done.
func (s *Session) Close(ctx context.Context) error {
	if s.send(closeReq{}) != nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseIfIdle closes the session if it has no viewers and saw no activity
// for timeout. The check and the close are atomic with respect to Attach.
func (s *Session) CloseIfIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	req := idleReq{timeout: timeout, reply: make(chan bool, 1)}
	if s.send(req) != nil {
		return false, nil
	}
	closed, ok := await(s.done, req.reply)
	if !ok || !closed {
		return false, nil
	}
	select {
	case <-s.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Info returns a snapshot of the session state.
func (s *Session) Info() model.SessionInfo {
	req := infoReq{reply: make(chan model.SessionInfo, 1)}
	if s.send(req) == nil {
		if info, ok := await(s.done, req.reply); ok {
			return info
		}
	}

	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return *s.final
}

func (s *Session) send(msg any) error {
	select {
	case <-s.done:
		return ErrSessionExited
	default:
	}
	select {
	case s.mailbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionExited
	}
}

// await waits for a reply, preferring a reply that raced with the end of
// the session.
func await[T any](done <-chan struct{}, reply <-chan T) (T, bool) {
	select {
	case v := <-reply:
		return v, true
	case <-done:
		select {
		case v := <-reply:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

// run is the dispatcher loop.
func (s *Session) run() {
	defer func() {
		s.cancel()
		close(s.done)
	}()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if ev.Exit != nil {
				if s.handleExit(*ev.Exit) {
					return
				}
				continue
			}
			s.handleOutput(ev.Data)

		case msg := <-s.mailbox:
			if s.handle(msg) {
				return
			}
		}
	}
}

// handle processes one mailbox message and reports whether the session
// has ended.
func (s *Session) handle(msg any) bool {
	switch m := msg.(type) {
	case attachReq:
		m.reply <- s.handleAttach(m.viewer)
	case detachReq:
		s.handleDetach(m.viewerID)
		m.reply <- struct{}{}
	case inputReq:
		s.handleInput(m.data)
	case resizeReq:
		s.handleResize(m.cols, m.rows)
	case killReq:
		m.reply <- s.handleKill()
	case infoReq:
		m.reply <- s.info()
	case idleReq:
		idle := !s.closing && s.info().Idle(time.Now(), m.timeout)
		m.reply <- idle
		if idle {
			s.logger.Info().Dur("timeout", m.timeout).Msg("closing idle session")
			return s.beginClose()
		}
	case closeReq:
		if !s.closing {
			return s.beginClose()
		}
	case respawnReq:
		s.handleRespawn()
	}
	return false
}

func (s *Session) handleAttach(v Viewer) error {
	existing := s.indexOf(v.ID())
	if existing < 0 && s.opts.MaxSubscribers > 0 && len(s.subs) >= s.opts.MaxSubscribers {
		return ErrTooManySubscribers
	}
	if existing >= 0 {
		s.removeAt(existing)
		s.metrics.ViewerDetached(1)
	}

	if snapshot := s.history.Snapshot(); snapshot != nil {
		if err := v.Deliver(snapshot); err != nil {
			s.logger.Debug().Err(err).Str("viewer", v.ID()).Msg("history replay failed")
			return fmt.Errorf("replay history: %w", err)
		}
	}

	s.subs = append(s.subs, v)
	s.lastActivity = time.Now()
	s.metrics.ViewerAttached()
	s.logger.Debug().Str("viewer", v.ID()).Int("subscribers", len(s.subs)).Msg("viewer attached")
	return nil
}

func (s *Session) handleDetach(viewerID string) {
	i := s.indexOf(viewerID)
	if i < 0 {
		return
	}
	s.removeAt(i)
	s.lastActivity = time.Now()
	s.metrics.ViewerDetached(1)
	s.logger.Debug().Str("viewer", viewerID).Int("subscribers", len(s.subs)).Msg("viewer detached")
}

func (s *Session) handleOutput(data []byte) {
	if _, err := s.history.Write(data); err != nil {
		s.logger.Warn().Err(err).Msg("history write failed")
	}
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordOutput(data); err != nil {
			s.logger.Debug().Err(err).Msg("recording output failed")
		}
	}
	s.lastActivity = time.Now()
	s.metrics.Output(len(data))
	s.broadcast(data)
}

// broadcast delivers data to every subscriber in subscription order and
// drops the ones that fail.
func (s *Session) broadcast(data []byte) {
	kept := s.subs[:0]
	for _, v := range s.subs {
		if err := v.Deliver(data); err != nil {
			s.logger.Warn().Err(err).Str("viewer", v.ID()).Msg("dropping viewer")
			s.metrics.ViewerDetached(1)
			if errors.Is(err, ErrBackpressure) {
				s.metrics.ViewerDropped()
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(s.subs[len(kept):])
	s.subs = kept
}

func (s *Session) handleInput(data []byte) {
	if s.proc == nil {
		s.logger.Debug().Int("bytes", len(data)).Msg("no process, input dropped")
		s.metrics.InputDropped()
		return
	}

	s.lastActivity = time.Now()
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordInput(data); err != nil {
			s.logger.Debug().Err(err).Msg("recording input failed")
		}
	}

	select {
	case s.writes <- writeOp{proc: s.proc, data: data}:
		s.metrics.Input(len(data))
	default:
		s.logger.Warn().Int("bytes", len(data)).Msg("input queue full, input dropped")
		s.metrics.InputDropped()
	}
}

func (s *Session) handleResize(cols, rows uint16) {
	// Kept so a respawned shell starts with the viewer's geometry.
	s.cols, s.rows = cols, rows

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordResize(cols, rows); err != nil {
			s.logger.Debug().Err(err).Msg("recording resize failed")
		}
	}
	if s.proc == nil {
		return
	}

	select {
	case s.writes <- writeOp{proc: s.proc, resize: true, cols: cols, rows: rows}:
	default:
		s.logger.Warn().Uint16("cols", cols).Uint16("rows", rows).Msg("input queue full, resize dropped")
		s.metrics.InputDropped()
	}
}

func (s *Session) handleKill() error {
	if s.proc == nil {
		return nil
	}
	s.logger.Info().Int("pid", s.proc.PID()).Msg("killing process")
	return s.proc.Kill()
}

// handleExit reacts to the end of the current process and reports whether
// the session has ended.
func (s *Session) handleExit(status pty.ExitStatus) bool {
	s.logger.Info().Int("code", status.Code).Str("signal", status.Signal).Msg("process exited")

	s.proc, s.events = nil, nil
	s.lastExit = status
	s.lastActivity = time.Now()

	switch {
	case s.closing:
		s.finalize(status, closedMessage)
		return true
	case !s.opts.RespawnOnExit:
		s.finalize(status, fmt.Sprintf("session ended (%s)", status))
		return true
	}

	s.broadcast([]byte(RespawnNotice))
	s.history.Reset()
	s.scheduleRespawn()
	return false
}

func (s *Session) scheduleRespawn() {
	s.retry = time.AfterFunc(s.opts.RespawnBackoff, func() {
		select {
		case s.mailbox <- respawnReq{}:
		case <-s.done:
		}
	})
}

func (s *Session) handleRespawn() {
	if s.proc != nil || s.closing {
		return
	}

	opts := s.opts.Spawn
	opts.Cols, opts.Rows = s.cols, s.rows

	proc, err := s.spawner.Spawn(s.ctx, opts)
	if err != nil {
		s.logger.Warn().Err(err).Dur("backoff", s.opts.RespawnBackoff).Msg("respawn failed, retrying")
		s.metrics.SpawnFailed()
		s.scheduleRespawn()
		return
	}

	s.proc, s.events = proc, proc.Events()
	s.respawns++
	s.metrics.Respawned()
	s.logger.Info().Int("pid", proc.PID()).Int("respawns", s.respawns).Msg("process respawned")
}

// beginClose kills the process and reports whether the session has already
// ended. Otherwise the session ends when the exit event arrives.
func (s *Session) beginClose() bool {
	s.closing = true
	if s.retry != nil {
		s.retry.Stop()
	}

	if s.proc == nil {
		s.finalize(s.lastExit, closedMessage)
		return true
	}

	if err := s.proc.Kill(); err != nil {
		s.logger.Warn().Err(err).Msg("kill failed")
	}
	return false
}

func (s *Session) finalize(status pty.ExitStatus, message string) {
	if s.retry != nil {
		s.retry.Stop()
	}

	for _, v := range s.subs {
		if err := v.NotifyExit(message); err != nil {
			s.logger.Debug().Err(err).Str("viewer", v.ID()).Msg("exit notice not delivered")
		}
	}
	s.metrics.ViewerDetached(len(s.subs))
	s.subs = nil

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing recording failed")
		}
	}

	info := s.info()
	info.Status = model.SessionStatusExited
	s.finalMu.Lock()
	s.final = &info
	s.finalMu.Unlock()

	s.metrics.SessionClosed(string(s.mode))
	s.logger.Info().Str("reason", message).Msg("session ended")

	if s.opts.OnExit != nil {
		s.opts.OnExit(s, status, info)
	}
}

func (s *Session) info() model.SessionInfo {
	info := model.SessionInfo{
		ID:           s.id,
		Mode:         s.mode,
		Status:       model.SessionStatusActive,
		Subscribers:  len(s.subs),
		HistoryBytes: s.history.Len(),
		TotalBytes:   s.history.Total(),
		Respawns:     s.respawns,
		Cols:         s.cols,
		Rows:         s.rows,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.proc != nil {
		info.PID = s.proc.PID()
	}
	return info
}

func (s *Session) indexOf(viewerID string) int {
	for i, v := range s.subs {
		if v.ID() == viewerID {
			return i
		}
	}
	return -1
}

func (s *Session) removeAt(i int) {
	copy(s.subs[i:], s.subs[i+1:])
	s.subs[len(s.subs)-1] = nil
	s.subs = s.subs[:len(s.subs)-1]
}

// writeLoop performs process writes and resizes off the dispatcher so a
// blocked pty never stalls output delivery.
func (s *Session) writeLoop() {
	for {
		select {
		case op := <-s.writes:
			s.apply(op)
		case <-s.done:
			return
		}
	}
}

func (s *Session) apply(op writeOp) {
	var err error
	if op.resize {
		err = op.proc.Resize(op.cols, op.rows)
	} else {
		_, err = op.proc.Write(op.data)
	}
	if err == nil {
		return
	}

	s.metrics.InputDropped()
	if errors.Is(err, pty.ErrDeadProcess) {
		s.logger.Debug().Int("pid", op.proc.PID()).Msg("process has exited, input dropped")
		return
	}
	s.logger.Warn().Err(err).Msg("pty write failed")
}
