package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeos/termbroker/internal/db"
	"github.com/fakeos/termbroker/internal/model"
	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/pty/ptytest"
	"github.com/fakeos/termbroker/internal/repository"
	"github.com/fakeos/termbroker/internal/session"
)

const waitFor = 2 * time.Second

func newRepo(t *testing.T) *repository.SessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	return repository.NewSessionRepository(testDB)
}

func newRegistry(t *testing.T, hooks session.Hooks) (*session.Registry, *ptytest.Spawner) {
	t.Helper()
	sp := ptytest.NewSpawner()
	reg := session.NewRegistry(sp, session.RegistryConfig{
		Session: session.Options{Logger: zerolog.Nop()},
		Hooks:   hooks,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		reg.Close(ctx)
	})
	return reg, sp
}

func waitRecord(t *testing.T, repo *repository.SessionRepository, id string) *model.SessionRecord {
	t.Helper()
	var rec *model.SessionRecord
	require.Eventually(t, func() bool {
		records, err := repo.List(context.Background(), repository.ListFilter{SessionID: id})
		if err != nil || len(records) != 1 || !records[0].Ended() {
			return false
		}
		rec = records[0]
		return true
	}, waitFor, 5*time.Millisecond)
	return rec
}

func TestAuditor_RecordsLifetime(t *testing.T) {
	repo := newRepo(t)
	a := New(repo, zerolog.Nop())
	reg, sp := newRegistry(t, a.Hooks(nil))

	opts := pty.SpawnOptions{Command: "/bin/sh", Args: []string{"-l"}, Dir: "/tmp", Env: map[string]string{"A": "1"}}
	_, err := reg.JoinOrCreate(context.Background(), "s1", opts)
	require.NoError(t, err)

	open, err := repo.List(context.Background(), repository.ListFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.SessionStatusActive, open[0].Status)
	assert.Equal(t, "/bin/sh -l", open[0].Command)
	assert.Equal(t, "/tmp", open[0].Workdir)
	assert.Equal(t, map[string]string{"A": "1"}, open[0].Env)
	assert.Equal(t, model.SessionModeShared, open[0].Mode)
	require.NotNil(t, open[0].PID)

	sp.Last().Exit(3)
	rec := waitRecord(t, repo, "s1")
	assert.Equal(t, model.SessionStatusFailed, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
	assert.Empty(t, rec.Signal)
}

func TestAuditor_ClosedSessionIsExited(t *testing.T) {
	repo := newRepo(t)
	a := New(repo, zerolog.Nop())
	reg, _ := newRegistry(t, a.Hooks(nil))

	s, err := reg.JoinOrCreate(context.Background(), "s1", pty.SpawnOptions{Command: "/bin/sh"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	rec := waitRecord(t, repo, "s1")
	assert.Equal(t, model.SessionStatusExited, rec.Status)
	assert.Equal(t, "SIGKILL", rec.Signal)
	assert.Nil(t, rec.ExitCode)
}

func TestAuditor_PassesRecorderThrough(t *testing.T) {
	a := New(newRepo(t), zerolog.Nop())
	called := false
	hooks := a.Hooks(func(string, pty.SpawnOptions) (session.Recorder, error) {
		called = true
		return nil, errors.New("no recording")
	})
	require.NotNil(t, hooks.NewRecorder)
	_, err := hooks.NewRecorder("s", pty.SpawnOptions{})
	assert.Error(t, err)
	assert.True(t, called)
	assert.Nil(t, a.Hooks(nil).NewRecorder)
}

type memStore struct {
	mu      sync.Mutex
	created []*model.SessionRecord
	ended   map[int64]model.SessionStatus
	fail    error
}

func (m *memStore) Create(_ context.Context, rec *model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.created = append(m.created, rec)
	rec.RecordID = int64(len(m.created))
	return nil
}

func (m *memStore) MarkEnded(_ context.Context, recordID int64, status model.SessionStatus, _ *int, _ string, _ int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.ended == nil {
		m.ended = make(map[int64]model.SessionStatus)
	}
	m.ended[recordID] = status
	return nil
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(context.Background(), ptytest.NewSpawner(), session.Options{ID: "s", Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func TestAuditor_ExitBeforeCreate(t *testing.T) {
	store := &memStore{}
	a := New(store, zerolog.Nop())
	s := newSession(t)

	a.OnExit(s, pty.ExitStatus{Code: 0}, model.SessionInfo{})
	a.OnCreate(s, pty.SpawnOptions{Command: "/bin/sh"})

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.created, 1)
	assert.Equal(t, model.SessionStatusExited, store.ended[1])
	assert.Empty(t, a.records)
	assert.Empty(t, a.ended)
}

func TestAuditor_StoreFailure(t *testing.T) {
	store := &memStore{fail: errors.New("disk full")}
	a := New(store, zerolog.Nop())
	s := newSession(t)

	a.OnCreate(s, pty.SpawnOptions{Command: "/bin/sh"})
	a.OnExit(s, pty.ExitStatus{Code: 1}, model.SessionInfo{})

	assert.Empty(t, a.records)
	assert.Empty(t, a.ended)
	assert.Empty(t, store.ended)
}
