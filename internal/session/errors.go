package session

import "errors"

var (
	// ErrBackpressure is returned by a Viewer whose send queue is full. The
	// session detaches such a viewer; it may rejoin to recover via replay.
	ErrBackpressure = errors.New("viewer queue full")

	// ErrSessionExited is returned for operations on a session whose process
	// has exited or which has been closed.
	ErrSessionExited = errors.New("session has exited")

	// ErrTooManySubscribers is returned by Attach when the subscriber limit
	// is reached.
	ErrTooManySubscribers = errors.New("too many subscribers")

	// ErrTooManySessions is returned by the registry when MaxSessions live
	// sessions already exist.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrRegistryClosed is returned by JoinOrCreate after Close.
	ErrRegistryClosed = errors.New("registry closed")
)
