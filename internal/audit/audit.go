// Package audit writes session lifetimes to the audit log through the
// session lifecycle hooks.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fakeos/termbroker/internal/model"
	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/session"
)

const writeTimeout = 5 * time.Second

// noRecord marks a session whose record could not be written.
const noRecord int64 = -1

// Store is the part of the session repository the auditor writes to.
type Store interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	MarkEnded(ctx context.Context, recordID int64, status model.SessionStatus, exitCode *int, signal string, respawns int, endedAt time.Time) error
}

// Auditor records one audit entry per session lifetime. Write failures are
// logged and never affect the session.
type Auditor struct {
	store  Store
	logger zerolog.Logger

	mu      sync.Mutex
	records map[*session.Session]int64
	// ended holds exits that arrived before the record was written.
	ended map[*session.Session]ending
}

type ending struct {
	status   pty.ExitStatus
	respawns int
	at       time.Time
}

// New creates an Auditor writing to store.
func New(store Store, logger zerolog.Logger) *Auditor {
	return &Auditor{
		store:   store,
		logger:  logger.With().Str("module", "audit").Logger(),
		records: make(map[*session.Session]int64),
		ended:   make(map[*session.Session]ending),
	}
}

// Hooks returns session hooks that audit every lifetime. newRecorder is
// passed through and may be nil.
func (a *Auditor) Hooks(newRecorder func(id string, opts pty.SpawnOptions) (session.Recorder, error)) session.Hooks {
	return session.Hooks{
		OnCreate:    a.OnCreate,
		OnExit:      a.OnExit,
		NewRecorder: newRecorder,
	}
}

// OnCreate opens the audit record of s.
func (a *Auditor) OnCreate(s *session.Session, opts pty.SpawnOptions) {
	info := s.Info()
	rec := &model.SessionRecord{
		ID:        s.ID(),
		Mode:      s.Mode(),
		Command:   commandLine(opts),
		Workdir:   opts.Dir,
		Env:       opts.Env,
		Status:    model.SessionStatusActive,
		CreatedAt: info.CreatedAt,
	}
	if info.PID > 0 {
		pid := info.PID
		rec.PID = &pid
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := a.store.Create(ctx, rec)

	a.mu.Lock()
	end, exited := a.ended[s]
	delete(a.ended, s)
	switch {
	case exited:
	case err != nil:
		a.records[s] = noRecord
	default:
		a.records[s] = rec.RecordID
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn().Err(err).Str("session", s.ID()).Msg("failed to write audit record")
		return
	}
	if exited {
		a.markEnded(s.ID(), rec.RecordID, end)
	}
}

// OnExit closes the audit record of s. A process that exited with a
// non-zero code marks the session failed; signals, including the kill that
// closes a session, do not.
func (a *Auditor) OnExit(s *session.Session, status pty.ExitStatus, info model.SessionInfo) {
	end := ending{status: status, respawns: info.Respawns, at: time.Now()}

	a.mu.Lock()
	recordID, ok := a.records[s]
	delete(a.records, s)
	if !ok {
		a.ended[s] = end
	}
	a.mu.Unlock()

	if ok && recordID != noRecord {
		a.markEnded(s.ID(), recordID, end)
	}
}

func (a *Auditor) markEnded(id string, recordID int64, end ending) {
	status := end.status
	sessionStatus := model.SessionStatusExited
	if status.Signal == "" && status.Code != 0 {
		sessionStatus = model.SessionStatusFailed
	}
	var exitCode *int
	if status.Signal == "" {
		code := status.Code
		exitCode = &code
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.store.MarkEnded(ctx, recordID, sessionStatus, exitCode, status.Signal, end.respawns, end.at); err != nil {
		a.logger.Warn().Err(err).Str("session", id).Int64("record", recordID).Msg("failed to close audit record")
	}
}

func commandLine(opts pty.SpawnOptions) string {
	if len(opts.Args) == 0 {
		return opts.Command
	}
	return opts.Command + " " + strings.Join(opts.Args, " ")
}
