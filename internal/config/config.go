// Package config loads broker settings from BROKER_* environment variables
// and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fakeos/termbroker/internal/pty"
)

// Prefix is the environment variable prefix.
const Prefix = "BROKER"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Settings is the broker configuration. Fields map to BROKER_* variables,
// multi-word names split with underscores (HistorySize is
// BROKER_HISTORY_SIZE).
type Settings struct {
	ListenAddr string `split_words:"true" default:":3000"`

	// Shell settings. An empty Shell picks the platform default.
	Shell     string
	ShellArgs []string `split_words:"true"`
	Workdir   string
	TermName  string `split_words:"true" default:"xterm-color"`
	Cols      uint16 `default:"80"`
	Rows      uint16 `default:"24"`
	Env       map[string]string

	// Session settings
	HistorySize    int           `split_words:"true" default:"10000"`
	RespawnBackoff time.Duration `split_words:"true" default:"1s"`
	ViewerQueue    int           `split_words:"true" default:"256"`
	InputQueue     int           `split_words:"true" default:"256"`
	MaxSessions    int           `split_words:"true" default:"0"`
	IdleTimeout    time.Duration `split_words:"true" default:"0s"`
	SweepSchedule  string        `split_words:"true" default:"@every 1m"`

	// WebSocket settings
	Welcome        string   `default:"Connection established with FakeOS Server!"`
	AllowedOrigins []string `split_words:"true"`

	// Storage. Empty paths turn the feature off.
	DBPath         string        `split_words:"true"`
	AuditRetention time.Duration `split_words:"true" default:"0s"`
	RecordDir      string        `split_words:"true"`

	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"json"`
}

// Load reads the settings from the environment and validates them.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// BindFlags registers the command-line overrides on fs. Flag defaults are
// the current values, so unset flags keep what the environment said.
func (s *Settings) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&s.ListenAddr, "listen", "l", s.ListenAddr, "address to listen on")
	fs.StringVar(&s.Shell, "shell", s.Shell, "shell command to run (default: platform shell)")
	fs.IntVar(&s.HistorySize, "history-size", s.HistorySize, "bytes of output kept per session for replay")
	fs.StringVar(&s.DBPath, "db", s.DBPath, "SQLite database for the session audit log")
	fs.StringVar(&s.RecordDir, "record-dir", s.RecordDir, "directory for asciicast recordings")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "log level")
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	switch {
	case s.HistorySize <= 0:
		return fmt.Errorf("%w: history size must be positive, got %d", ErrInvalid, s.HistorySize)
	case s.Cols == 0 || s.Rows == 0:
		return fmt.Errorf("%w: terminal size %dx%d", ErrInvalid, s.Cols, s.Rows)
	case s.RespawnBackoff < 0:
		return fmt.Errorf("%w: negative respawn backoff", ErrInvalid)
	case s.MaxSessions < 0:
		return fmt.Errorf("%w: negative session limit", ErrInvalid)
	case s.IdleTimeout < 0:
		return fmt.Errorf("%w: negative idle timeout", ErrInvalid)
	case s.AuditRetention < 0:
		return fmt.Errorf("%w: negative audit retention", ErrInvalid)
	}

	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	if f := strings.ToLower(s.LogFormat); f != "json" && f != "console" {
		return fmt.Errorf("%w: log format %q, want json or console", ErrInvalid, s.LogFormat)
	}
	if s.IdleTimeout > 0 {
		if _, err := cron.ParseStandard(s.SweepSchedule); err != nil {
			return fmt.Errorf("%w: sweep schedule: %w", ErrInvalid, err)
		}
	}
	return nil
}

// Level returns the parsed log level.
func (s Settings) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// SpawnOptions describes the shell every session starts.
func (s Settings) SpawnOptions() pty.SpawnOptions {
	return pty.SpawnOptions{
		Command:  s.Shell,
		Args:     s.ShellArgs,
		Dir:      s.Workdir,
		Env:      s.Env,
		TermName: s.TermName,
		Cols:     s.Cols,
		Rows:     s.Rows,
	}
}
