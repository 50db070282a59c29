// Package buffer provides the bounded history ring that sessions replay to
// newly attached viewers.
package buffer

import (
	"sync"
)

// DefaultHistorySize is the default history capacity in bytes.
const DefaultHistorySize = 10000

// RingBuffer is a fixed-capacity circular byte buffer. It always holds the
// last min(Total(), Cap()) bytes written, in write order. When full, the
// oldest bytes are overwritten first.
//
// A session is the only writer of its ring; the mutex exists so that
// snapshots for the HTTP API and metrics can be taken from other goroutines.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	// start is the index of the oldest stored byte, size the number stored.
	start int
	size  int
	total uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
// Capacities below 1 are raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, evicting the oldest bytes when the capacity is exceeded.
// It implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += uint64(n)

	// Only the tail of an oversized chunk can survive.
	if n >= rb.capacity {
		copy(rb.data, p[n-rb.capacity:])
		rb.start = 0
		rb.size = rb.capacity
		return n, nil
	}

	end := (rb.start + rb.size) % rb.capacity
	first := copy(rb.data[end:], p)
	copy(rb.data, p[first:])

	rb.size += n
	if rb.size > rb.capacity {
		overflow := rb.size - rb.capacity
		rb.start = (rb.start + overflow) % rb.capacity
		rb.size = rb.capacity
	}

	return n, nil
}

// Snapshot returns a copy of the buffered bytes in write order, or nil when
// the buffer is empty. It does not modify the buffer.
func (rb *RingBuffer) Snapshot() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	n := copy(out, rb.data[rb.start:min(rb.start+rb.size, rb.capacity)])
	copy(out[n:], rb.data[:rb.size-n])
	return out
}

// Reset discards the buffered bytes. Total is kept.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.start = 0
	rb.size = 0
}

// Len returns the number of bytes currently buffered.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// Total returns the number of bytes ever written.
func (rb *RingBuffer) Total() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.total
}
