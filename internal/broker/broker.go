// Package broker is the entry point for transports. It tracks which session
// each connected viewer has joined, routes input and resize requests, and
// owns the per-connection standalone terminals.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fakeos/termbroker/internal/model"
	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/session"
)

var (
	// ErrNotJoined is returned when a viewer addresses a session it has not
	// joined.
	ErrNotJoined = errors.New("not joined to session")

	// ErrAlreadyJoined is returned when a viewer joins a session while it is
	// still joined to another one.
	ErrAlreadyJoined = errors.New("already joined to another session")

	// ErrSessionNotFound is returned for lookups of unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInputTooLarge is returned for input above MaxInputSize.
	ErrInputTooLarge = errors.New("input too large")
)

const (
	// MaxInputSize is the largest input accepted in one request.
	MaxInputSize = 64 * 1024

	// MaxCols and MaxRows bound resize requests.
	MaxCols uint16 = 500
	MaxRows uint16 = 500

	standalonePrefix = "standalone-"
	disconnectGrace  = 5 * time.Second
)

// Config configures a Broker.
type Config struct {
	// Spawn describes the shell started for every new session.
	Spawn pty.SpawnOptions

	// Standalone is the template for standalone sessions. ID, Spawn,
	// RespawnOnExit, MaxSubscribers, Recorder and OnExit are set by the
	// broker.
	Standalone session.Options

	// Hooks observe standalone session lifecycles the same way the
	// registry's hooks observe shared ones.
	Hooks session.Hooks

	Logger zerolog.Logger
}

// Broker connects viewers to sessions.
type Broker struct {
	registry *session.Registry
	spawner  pty.Spawner
	config   Config
	logger   zerolog.Logger

	mu          sync.Mutex
	conns       map[string]*conn
	standalones map[string]*session.Session
}

// conn is the broker's view of one connected viewer.
type conn struct {
	viewer     session.Viewer
	joined     *session.Session
	standalone *session.Session
}

// New creates a Broker. Shared sessions come from registry; standalone
// sessions are spawned with spawner.
func New(registry *session.Registry, spawner pty.Spawner, config Config) *Broker {
	return &Broker{
		registry:    registry,
		spawner:     spawner,
		config:      config,
		logger:      config.Logger.With().Str("module", "broker").Logger(),
		conns:       make(map[string]*conn),
		standalones: make(map[string]*session.Session),
	}
}

func (b *Broker) connFor(v session.Viewer) *conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[v.ID()]
	if !ok {
		c = &conn{viewer: v}
		b.conns[v.ID()] = c
	}
	return c
}

// Join attaches v to the shared session id, creating the session if it
// does not exist. v receives the session history followed by its live
// output. Joining the session v is already in replays the history again;
// joining a different one requires Leave first.
func (b *Broker) Join(ctx context.Context, v session.Viewer, id string) error {
	if err := model.ValidateSessionID(id); err != nil {
		return err
	}

	c := b.connFor(v)

	b.mu.Lock()
	current, standalone := c.joined, c.standalone
	b.mu.Unlock()

	if current != nil && !current.Exited() && current.ID() != id {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, current.ID())
	}
	if standalone != nil && !standalone.Exited() {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, standalone.ID())
	}

	// A session found in the registry may exit before the attach lands.
	// The registry has dropped it by then, so one retry creates a new one.
	var s *session.Session
	for attempt := 0; ; attempt++ {
		var err error
		s, err = b.registry.JoinOrCreate(ctx, id, b.config.Spawn)
		if err != nil {
			return err
		}
		err = s.Attach(v)
		if err == nil {
			break
		}
		if errors.Is(err, session.ErrSessionExited) && attempt == 0 {
			b.logger.Debug().Str("session", id).Msg("joined an exiting session, retrying")
			continue
		}
		return err
	}

	b.mu.Lock()
	if b.conns[v.ID()] != c {
		// Disconnected while joining.
		b.mu.Unlock()
		s.Detach(v)
		return ErrNotJoined
	}
	c.joined = s
	b.mu.Unlock()

	b.logger.Debug().Str("viewer", v.ID()).Str("session", id).Msg("viewer joined")
	return nil
}

// Leave detaches v from the shared session it joined. The session keeps
// running.
func (b *Broker) Leave(v session.Viewer) error {
	b.mu.Lock()
	c, ok := b.conns[v.ID()]
	var s *session.Session
	if ok {
		s = c.joined
		c.joined = nil
	}
	b.mu.Unlock()

	if s == nil {
		return ErrNotJoined
	}
	s.Detach(v)
	return nil
}

// Input forwards data to session id, which v must have joined or opened.
func (b *Broker) Input(v session.Viewer, id string, data []byte) error {
	if len(data) > MaxInputSize {
		return fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(data))
	}
	s, err := b.sessionOf(v, id)
	if err != nil {
		return err
	}
	return s.Input(data)
}

// Resize changes the window size of session id, which v must have joined
// or opened. Zero dimensions are ignored and large ones are clamped.
func (b *Broker) Resize(v session.Viewer, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	s, err := b.sessionOf(v, id)
	if err != nil {
		return err
	}
	return s.Resize(min(cols, MaxCols), min(rows, MaxRows))
}

func (b *Broker) sessionOf(v session.Viewer, id string) (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[v.ID()]
	if !ok {
		return nil, ErrNotJoined
	}
	switch {
	case c.joined != nil && c.joined.ID() == id:
		return c.joined, nil
	case c.standalone != nil && c.standalone.ID() == id:
		return c.standalone, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotJoined, id)
}

// OpenStandalone starts a respawning terminal that belongs to v alone and
// attaches v to it. It returns the terminal's session id.
func (b *Broker) OpenStandalone(ctx context.Context, v session.Viewer) (string, error) {
	c := b.connFor(v)

	b.mu.Lock()
	joined, existing := c.joined, c.standalone
	b.mu.Unlock()
	for _, s := range []*session.Session{joined, existing} {
		if s != nil && !s.Exited() {
			return "", fmt.Errorf("%w: %s", ErrAlreadyJoined, s.ID())
		}
	}

	id := standalonePrefix + uuid.NewString()
	opts := b.config.Standalone
	opts.ID = id
	opts.Spawn = b.config.Spawn
	opts.RespawnOnExit = true
	opts.MaxSubscribers = 1
	opts.Recorder = nil
	opts.OnExit = b.standaloneExited

	if b.config.Hooks.NewRecorder != nil {
		rec, err := b.config.Hooks.NewRecorder(id, opts.Spawn)
		if err != nil {
			b.logger.Warn().Err(err).Str("session", id).Msg("recording disabled for session")
		} else {
			opts.Recorder = rec
		}
	}

	s, err := session.New(ctx, b.spawner, opts)
	if err != nil {
		if opts.Recorder != nil {
			opts.Recorder.Close()
		}
		return "", err
	}

	b.mu.Lock()
	b.standalones[id] = s
	b.mu.Unlock()

	if b.config.Hooks.OnCreate != nil {
		b.config.Hooks.OnCreate(s, opts.Spawn)
	}

	if err := s.Attach(v); err != nil {
		b.closeSession(s)
		return "", err
	}

	b.mu.Lock()
	if b.conns[v.ID()] != c {
		b.mu.Unlock()
		b.closeSession(s)
		return "", ErrNotJoined
	}
	c.standalone = s
	b.mu.Unlock()

	b.logger.Debug().Str("viewer", v.ID()).Str("session", id).Msg("standalone terminal opened")
	return id, nil
}

func (b *Broker) standaloneExited(s *session.Session, status pty.ExitStatus, info model.SessionInfo) {
	b.mu.Lock()
	if b.standalones[s.ID()] == s {
		delete(b.standalones, s.ID())
	}
	b.mu.Unlock()

	if b.config.Hooks.OnExit != nil {
		b.config.Hooks.OnExit(s, status, info)
	}
}

// Disconnect forgets v: it is detached from its shared session and its
// standalone terminal, if any, is closed.
func (b *Broker) Disconnect(v session.Viewer) {
	b.mu.Lock()
	c, ok := b.conns[v.ID()]
	delete(b.conns, v.ID())
	b.mu.Unlock()

	if !ok {
		return
	}
	if c.joined != nil {
		c.joined.Detach(v)
	}
	if c.standalone != nil {
		b.closeSession(c.standalone)
	}
	b.logger.Debug().Str("viewer", v.ID()).Msg("viewer disconnected")
}

func (b *Broker) closeSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		b.logger.Warn().Err(err).Str("session", s.ID()).Msg("session did not stop in time")
	}
}

// Joined returns the id of the session v is attached to, if any.
func (b *Broker) Joined(v session.Viewer) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[v.ID()]
	if !ok {
		return "", false
	}
	if c.joined != nil && !c.joined.Exited() {
		return c.joined.ID(), true
	}
	if c.standalone != nil && !c.standalone.Exited() {
		return c.standalone.ID(), true
	}
	return "", false
}

// Sessions returns the live sessions, shared and standalone, ordered by id.
func (b *Broker) Sessions() []model.SessionInfo {
	list := b.registry.List()

	b.mu.Lock()
	for _, s := range b.standalones {
		list = append(list, s)
	}
	b.mu.Unlock()

	infos := make([]model.SessionInfo, 0, len(list))
	for _, s := range list {
		info := s.Info()
		if info.Status == model.SessionStatusActive {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Session returns the live session id.
func (b *Broker) Session(id string) (model.SessionInfo, error) {
	s, ok := b.registry.Get(id)
	if !ok {
		b.mu.Lock()
		s, ok = b.standalones[id]
		b.mu.Unlock()
	}
	if !ok {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	info := s.Info()
	if info.Status != model.SessionStatusActive {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return info, nil
}

// SweepIdle closes idle shared sessions. Standalone terminals live as long
// as their connection and are never swept.
func (b *Broker) SweepIdle(ctx context.Context, timeout time.Duration) int {
	return b.registry.SweepIdle(ctx, timeout)
}

// Close ends every session.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	standalones := make([]*session.Session, 0, len(b.standalones))
	for _, s := range b.standalones {
		standalones = append(standalones, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range standalones {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.ID(), err))
		}
	}
	if err := b.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
