package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/session"
)

// Directory creates one recording file per session lifetime in a directory.
type Directory struct {
	path string
	now  func() time.Time
}

// NewDirectory returns a Directory writing to path, which is created if
// missing.
func NewDirectory(path string) (*Directory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &Directory{path: path, now: time.Now}, nil
}

// NewRecorder starts a recording for session id. It matches the signature
// of session.Hooks.NewRecorder.
func (d *Directory) NewRecorder(id string, opts pty.SpawnOptions) (session.Recorder, error) {
	now := d.now()
	name := fmt.Sprintf("%s-%s.cast", sanitize(id), now.UTC().Format("20060102T150405.000000000"))

	header := Header{
		Width:     int(opts.Cols),
		Height:    int(opts.Rows),
		Timestamp: now.Unix(),
		Title:     id,
	}
	if opts.TermName != "" {
		header.Env = map[string]string{"TERM": opts.TermName}
	}
	if opts.Command != "" {
		if header.Env == nil {
			header.Env = map[string]string{}
		}
		header.Env["SHELL"] = opts.Command
	}

	r, err := Create(filepath.Join(d.path, name), header)
	if err != nil {
		return nil, err
	}
	return r, nil
}

var _ session.Recorder = (*AsciinemaRecorder)(nil)

// sanitize maps a session id to a safe file name component.
func sanitize(id string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if len(mapped) > 64 {
		mapped = mapped[:64]
	}
	return mapped
}
