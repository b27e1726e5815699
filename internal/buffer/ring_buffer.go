// Package buffer keeps the most recent output of a session so a reattaching
// client can be brought up to date.
package buffer

import "sync"

// RingBuffer is a fixed-capacity circular byte buffer. Once full, every write
// overwrites the oldest bytes. It is safe for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	data    []byte
	start   int
	size    int
	written int64
}

// NewRingBuffer creates a RingBuffer holding at most capacity bytes.
// A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes on overflow. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.written += int64(n)
	capacity := len(rb.data)
	if n >= capacity {
		copy(rb.data, p[n-capacity:])
		rb.start, rb.size = 0, capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	copied := copy(rb.data[end:], p)
	copy(rb.data, p[copied:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// Snapshot returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) Snapshot() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.data[rb.start:min(rb.start+rb.size, len(rb.data))])
	copy(out[n:], rb.data)
	return out
}

// Reset discards the buffered bytes. The written counter is kept.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start, rb.size = 0, 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}

// Written returns the total number of bytes ever written, including
// those since overwritten.
func (rb *RingBuffer) Written() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.written
}

// Truncated reports whether older output has been discarded.
func (rb *RingBuffer) Truncated() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.written > int64(rb.size)
}
