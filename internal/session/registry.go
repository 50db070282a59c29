package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fakeos/termbroker/internal/model"
	"github.com/fakeos/termbroker/internal/pty"
)

// Hooks observe the registry's session lifecycle. All are optional.
type Hooks struct {
	// OnCreate runs after a session was created and inserted.
	OnCreate func(s *Session, opts pty.SpawnOptions)

	// OnExit runs on the session's dispatcher after it was removed from
	// the registry. info is the final state of the session.
	OnExit func(s *Session, status pty.ExitStatus, info model.SessionInfo)

	// NewRecorder returns a recorder for a new session, or nil to skip
	// recording.
	NewRecorder func(id string, opts pty.SpawnOptions) (Recorder, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Session is the template for every session the registry creates. ID,
	// Spawn, RespawnOnExit, Recorder and OnExit are set per session.
	Session Options

	// MaxSessions limits live sessions. Zero means unlimited.
	MaxSessions int

	Hooks Hooks
}

// Registry maps session ids to live shared sessions. A session is created
// on the first join for an unseen id and removed when its process exits.
type Registry struct {
	spawner pty.Spawner
	config  RegistryConfig
	logger  zerolog.Logger
	group   singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  int // creations holding a slot but not yet inserted
	closed   bool
}

// NewRegistry creates an empty registry that starts shells with spawner.
func NewRegistry(spawner pty.Spawner, config RegistryConfig) *Registry {
	return &Registry{
		spawner:  spawner,
		config:   config,
		logger:   config.Session.Logger.With().Str("module", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// JoinOrCreate returns the live session for id, creating it with opts if
// there is none. Concurrent calls for the same unseen id share a single
// spawn and all receive the same session. A caller whose ctx ends stops
// waiting without failing the spawn for the others.
func (r *Registry) JoinOrCreate(ctx context.Context, id string, opts pty.SpawnOptions) (*Session, error) {
	if err := model.ValidateSessionID(id); err != nil {
		return nil, err
	}

	if s, ok := r.Get(id); ok {
		return s, nil
	}

	spawnCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id, func() (any, error) {
		return r.create(spawnCtx, id, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.logger.Debug().Str("session", id).Msg("joined session created by a concurrent caller")
		}
		return res.Val.(*Session), nil
	}
}

func (r *Registry) create(ctx context.Context, id string, opts pty.SpawnOptions) (*Session, error) {
	existing, err := r.reserve(id)
	if existing != nil || err != nil {
		return existing, err
	}

	sessionOpts := r.config.Session
	sessionOpts.ID = id
	sessionOpts.Spawn = opts
	sessionOpts.RespawnOnExit = false
	sessionOpts.Recorder = nil
	sessionOpts.OnExit = r.handleExit

	if r.config.Hooks.NewRecorder != nil {
		rec, err := r.config.Hooks.NewRecorder(id, opts)
		if err != nil {
			r.logger.Warn().Err(err).Str("session", id).Msg("recording disabled for session")
		} else {
			sessionOpts.Recorder = rec
		}
	}

	s, err := spawn(ctx, r.spawner, sessionOpts)
	if err != nil {
		r.release()
		if sessionOpts.Recorder != nil {
			sessionOpts.Recorder.Close()
		}
		r.logger.Warn().Err(err).Str("session", id).Msg("session creation failed")
		return nil, err
	}

	r.mu.Lock()
	r.pending--
	if r.closed {
		r.mu.Unlock()
		s.start()
		s.Close(context.Background())
		return nil, ErrRegistryClosed
	}
	r.sessions[id] = s
	r.mu.Unlock()

	// The dispatcher starts only once the session is resolvable, so an
	// immediate exit always finds its own entry to remove.
	s.start()

	if r.config.Hooks.OnCreate != nil {
		r.config.Hooks.OnCreate(s, opts)
	}
	return s, nil
}

// reserve returns the live session for id, or takes a creation slot under
// the session limit.
func (r *Registry) reserve(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if r.config.MaxSessions > 0 && len(r.sessions)+r.pending >= r.config.MaxSessions {
		return nil, ErrTooManySessions
	}
	r.pending++
	return nil, nil
}

func (r *Registry) release() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

func (r *Registry) handleExit(s *Session, status pty.ExitStatus, info model.SessionInfo) {
	r.Remove(s.ID(), s)
	if r.config.Hooks.OnExit != nil {
		r.config.Hooks.OnExit(s, status, info)
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the mapping for id if it still points at s. A newer
// session registered under the same id is left alone.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[id]; ok && current == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// List returns the live sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle closes sessions without viewers whose last activity is older
// than timeout, and returns how many it closed.
func (r *Registry) SweepIdle(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	closed := 0
	for _, s := range r.List() {
		ok, err := s.CloseIfIdle(ctx, timeout)
		if err != nil {
			r.logger.Warn().Err(err).Str("session", s.ID()).Msg("idle session did not stop in time")
		}
		if ok {
			closed++
		}
	}
	if closed > 0 {
		r.logger.Info().Int("closed", closed).Dur("timeout", timeout).Msg("idle sweep")
	}
	return closed
}

// Close closes every live session and rejects further creation.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.List() {
		s := s
		g.Go(func() error {
			return s.Close(ctx)
		})
	}
	return g.Wait()
}
