package session

// Viewer is a connected party receiving a session's output. Implementations
// must not block: a viewer that cannot accept data returns ErrBackpressure
// and is detached.
type Viewer interface {
	// ID identifies the viewer. It is unique among a session's subscribers.
	ID() string

	// Deliver sends terminal bytes, either history replay or live output.
	Deliver(data []byte) error

	// NotifyExit tells the viewer that the session ended. It is the last
	// call a viewer receives for that session.
	NotifyExit(message string) error
}

// Recorder captures a session's terminal traffic.
type Recorder interface {
	RecordOutput(data []byte) error
	RecordInput(data []byte) error
	RecordResize(cols, rows uint16) error
	Close() error
}
