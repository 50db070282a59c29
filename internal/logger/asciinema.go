// Package logger records terminal sessions as asciicast v2 files.
package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// ErrRecorderClosed is returned when writing to a closed recorder.
var ErrRecorderClosed = errors.New("recorder closed")

// Event types of the asciicast v2 format.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciicast v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single recorded event.
// Format: [time_offset, event_type, data]
type Event struct {
	TimeOffset float64
	Type       string
	Data       string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.Type, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// AsciinemaRecorder writes a session's traffic in asciicast v2 JSON-Lines
// format. Events are buffered and flushed on Close.
type AsciinemaRecorder struct {
	mu        sync.Mutex
	w         *bufio.Writer
	closer    io.Closer
	startTime time.Time
	closed    bool
}

// Create creates the file at path and writes the recording header.
func Create(path string, header Header) (*AsciinemaRecorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r, err := NewAsciinemaRecorder(file, header)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

// NewAsciinemaRecorder writes header to w and returns a recorder appending
// events to it. w is closed by Close if it is an io.Closer.
func NewAsciinemaRecorder(w io.Writer, header Header) (*AsciinemaRecorder, error) {
	r := &AsciinemaRecorder{
		w:         bufio.NewWriter(w),
		startTime: time.Now(),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}

	header.Version = 2
	if header.Timestamp == 0 {
		header.Timestamp = r.startTime.Unix()
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return r, nil
}

// RecordOutput records terminal output.
func (r *AsciinemaRecorder) RecordOutput(data []byte) error {
	return r.writeEvent(EventOutput, string(data))
}

// RecordInput records input sent to the terminal.
func (r *AsciinemaRecorder) RecordInput(data []byte) error {
	return r.writeEvent(EventInput, string(data))
}

// RecordResize records a window size change as "COLSxROWS".
func (r *AsciinemaRecorder) RecordResize(cols, rows uint16) error {
	return r.writeEvent(EventResize, strconv.Itoa(int(cols))+"x"+strconv.Itoa(int(rows)))
}

func (r *AsciinemaRecorder) writeEvent(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	event := Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Type:       eventType,
		Data:       data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close flushes buffered events and closes the underlying writer.
func (r *AsciinemaRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.w.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}

// StartTime returns the start time of the recording.
func (r *AsciinemaRecorder) StartTime() time.Time {
	return r.startTime
}
