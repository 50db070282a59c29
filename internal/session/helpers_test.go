package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/pty/ptytest"
)

const waitFor = 2 * time.Second

type testViewer struct {
	id string

	mu    sync.Mutex
	data  []byte
	exits []string
	fail  error
}

func newViewer(id string) *testViewer {
	return &testViewer{id: id}
}

func (v *testViewer) ID() string { return v.id }

func (v *testViewer) Deliver(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail != nil {
		return v.fail
	}
	v.data = append(v.data, data...)
	return nil
}

func (v *testViewer) NotifyExit(message string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exits = append(v.exits, message)
	return nil
}

func (v *testViewer) setFail(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fail = err
}

func (v *testViewer) received() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return string(v.data)
}

func (v *testViewer) exitMessages() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.exits...)
}

func waitReceived(t *testing.T, v *testViewer, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return v.received() == want }, waitFor, 5*time.Millisecond,
		"viewer %s never received %q, has %q", v.id, want, v.received())
}

func nextProcess(t *testing.T, sp *ptytest.Spawner) *ptytest.Process {
	t.Helper()
	select {
	case p := <-sp.Spawned():
		return p
	case <-time.After(waitFor):
		t.Fatal("no process spawned")
		return nil
	}
}

func newTestSession(t *testing.T, opts Options) (*Session, *ptytest.Spawner, *ptytest.Process) {
	t.Helper()
	sp := ptytest.NewSpawner()
	if opts.ID == "" {
		opts.ID = "s1"
	}
	s, err := New(context.Background(), sp, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.Close(ctx)
	})
	return s, sp, nextProcess(t, sp)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

type testRecorder struct {
	mu      sync.Mutex
	output  []byte
	input   []byte
	resizes [][2]uint16
	closed  bool
}

func (r *testRecorder) RecordOutput(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, data...)
	return nil
}

func (r *testRecorder) RecordInput(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input = append(r.input, data...)
	return nil
}

func (r *testRecorder) RecordResize(cols, rows uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, [2]uint16{cols, rows})
	return nil
}

func (r *testRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *testRecorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var _ pty.Spawner = (*ptytest.Spawner)(nil)
