package model

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode"
)

// MaxSessionIDLength bounds caller-supplied session ids.
const MaxSessionIDLength = 128

// SessionMode distinguishes registry sessions from per-connection terminals.
type SessionMode string

const (
	// SessionModeShared sessions live in the registry under a caller id and
	// end for good when their process exits.
	SessionModeShared SessionMode = "shared"

	// SessionModeStandalone sessions belong to one connection and respawn
	// their shell when it exits.
	SessionModeStandalone SessionMode = "standalone"
)

// SessionStatus represents the status of a terminal session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusExited SessionStatus = "exited"
	SessionStatusFailed SessionStatus = "failed"
)

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID           string        `json:"id"`
	Mode         SessionMode   `json:"mode"`
	Status       SessionStatus `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Subscribers  int           `json:"subscribers"`
	HistoryBytes int           `json:"historyBytes"`
	TotalBytes   uint64        `json:"totalBytes"`
	Respawns     int           `json:"respawns"`
	Cols         uint16        `json:"cols"`
	Rows         uint16        `json:"rows"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// Idle reports whether nobody is watching the session and it has seen no
// activity since before now-timeout.
func (i SessionInfo) Idle(now time.Time, timeout time.Duration) bool {
	return i.Subscribers == 0 && now.Sub(i.LastActivity) >= timeout
}

// SessionRecord is the audit record of one session lifetime. Records are
// informational and are never used to restore sessions.
type SessionRecord struct {
	RecordID  int64             `json:"recordId"`
	ID        string            `json:"id"`
	Mode      SessionMode       `json:"mode"`
	Command   string            `json:"command"`
	Workdir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	PID       *int              `json:"pid,omitempty"`
	Status    SessionStatus     `json:"status"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Respawns  int               `json:"respawns"`
	CreatedAt time.Time         `json:"createdAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

// EnvToJSON converts the Env map to a JSON string for storage.
func (s *SessionRecord) EnvToJSON() (string, error) {
	if s.Env == nil {
		return "", nil
	}
	data, err := json.Marshal(s.Env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnvFromJSON parses a JSON string into the Env map.
func (s *SessionRecord) EnvFromJSON(data string) error {
	if data == "" {
		s.Env = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Env)
}

// Ended reports whether the record has been closed.
func (s *SessionRecord) Ended() bool {
	return s.EndedAt != nil
}

// Duration returns how long the session ran, or has been running.
func (s *SessionRecord) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// ValidateSessionID checks a caller-supplied session id.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionID, MaxSessionIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return fmt.Errorf("%w: contains control characters", ErrInvalidSessionID)
		}
	}
	return nil
}
