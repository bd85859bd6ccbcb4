// Package buffer provides a byte ring buffer used to keep the most recent
// adapter output around for best-effort crash reporting.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer. Once full, new writes
// overwrite the oldest bytes. Adapters keep a small tail of raw output in one
// of these so a crash can report the last thing the process said.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	start int
	size  int
}

// NewRingBuffer creates a buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes when capacity is exceeded.
// It implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	cap := len(rb.buf)
	if n >= cap {
		copy(rb.buf, p[n-cap:])
		rb.start = 0
		rb.size = cap
		return n, nil
	}

	end := (rb.start + rb.size) % cap
	written := copy(rb.buf[end:], p)
	if written < n {
		copy(rb.buf, p[written:])
	}

	rb.size += n
	if rb.size > cap {
		rb.start = (rb.start + rb.size - cap) % cap
		rb.size = cap
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes in write order.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	tail := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	if tail < rb.size {
		copy(out[tail:], rb.buf[:rb.size-tail])
	}
	return out
}

// Clear discards all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.size = 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}
