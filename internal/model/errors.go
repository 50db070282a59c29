package model

import "errors"

var (
	// ErrInvalidSessionID is returned when a session id is empty, too long or
	// contains control characters.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrSessionNotFound is returned when a session record is not found.
	ErrSessionNotFound = errors.New("session not found")
)
