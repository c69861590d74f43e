package logging

import (
	"strings"
	"sync"
)

// RingBuffer is a fixed-size circular buffer holding the most recent bytes
// written to it. The kernel uses one as its console.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends data to the ring buffer, overwriting the oldest bytes once
// full. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, b := range p {
		rb.buf[rb.pos] = b
		rb.pos = (rb.pos + 1) % rb.size
		if rb.pos == 0 {
			rb.full = true
		}
	}
	return len(p), nil
}

// Read returns the last n bytes from the buffer.
// If n exceeds available data, returns all available data.
func (rb *RingBuffer) Read(n int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(n)
}

func (rb *RingBuffer) readLocked(n int) []byte {
	available := rb.pos
	if rb.full {
		available = rb.size
	}

	if n > available {
		n = available
	}
	if n == 0 {
		return nil
	}

	result := make([]byte, n)
	start := rb.pos - n
	if start < 0 {
		start += rb.size
	}

	for i := 0; i < n; i++ {
		result[i] = rb.buf[(start+i)%rb.size]
	}

	return result
}

// String returns everything currently held.
func (rb *RingBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.readLocked(rb.size))
}

// Lines returns the complete lines currently held. A partial first line left
// over from wrap-around is dropped.
func (rb *RingBuffer) Lines() []string {
	rb.mu.Lock()
	wrapped := rb.full
	s := string(rb.readLocked(rb.size))
	rb.mu.Unlock()

	if wrapped {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Len returns the number of bytes stored.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return rb.size
	}
	return rb.pos
}

// Reset clears the buffer.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.pos = 0
	rb.full = false
}
