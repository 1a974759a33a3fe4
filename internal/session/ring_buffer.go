package session

import (
	"sync"
	"time"
)

const defaultOutputCapacity = 1000

// OutputEventType distinguishes stdout, stderr, and exit events.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	OutputExit   OutputEventType = "exit"
)

// OutputEvent is a single line of worker output.
type OutputEvent struct {
	SessionID string          `json:"session_id"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RingBuffer keeps the most recent worker output of a session.
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []OutputEvent
	next int // next write position
	full bool
}

// NewRingBuffer creates a ring buffer holding at most capacity events.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]OutputEvent, capacity)}
}

// Write appends an event, overwriting the oldest one when full.
func (rb *RingBuffer) Write(event OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.next] = event
	rb.next = (rb.next + 1) % len(rb.buf)
	if rb.next == 0 {
		rb.full = true
	}
}

// Tail returns the newest n events, oldest first. n <= 0 means all.
func (rb *RingBuffer) Tail(n int) []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	ordered := make([]OutputEvent, 0, len(rb.buf))
	if rb.full {
		ordered = append(ordered, rb.buf[rb.next:]...)
	}
	ordered = append(ordered, rb.buf[:rb.next]...)

	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
