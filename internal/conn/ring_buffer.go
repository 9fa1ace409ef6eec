package conn

import (
	"sync"
	"time"
)

// ConsoleEvent is one captured console message from the page.
type ConsoleEvent struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsoleBuffer is a fixed-capacity circular buffer of console events so
// late readers can catch up on recent page output without unbounded growth.
type ConsoleBuffer struct {
	mu       sync.RWMutex
	buf      []ConsoleEvent
	capacity int
	pos      int // next write position
	full     bool
}

// NewConsoleBuffer creates a buffer with the given capacity.
func NewConsoleBuffer(capacity int) *ConsoleBuffer {
	return &ConsoleBuffer{
		buf:      make([]ConsoleEvent, capacity),
		capacity: capacity,
	}
}

// Append adds an event, evicting the oldest when full.
func (cb *ConsoleBuffer) Append(event ConsoleEvent) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buf[cb.pos] = event
	cb.pos = (cb.pos + 1) % cb.capacity
	if cb.pos == 0 {
		cb.full = true
	}
}

// Tail returns up to limit most recent events in chronological order.
// A non-positive limit returns everything buffered.
func (cb *ConsoleBuffer) Tail(limit int) []ConsoleEvent {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var all []ConsoleEvent
	if !cb.full {
		all = make([]ConsoleEvent, cb.pos)
		copy(all, cb.buf[:cb.pos])
	} else {
		all = make([]ConsoleEvent, cb.capacity)
		copy(all, cb.buf[cb.pos:])
		copy(all[cb.capacity-cb.pos:], cb.buf[:cb.pos])
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Len returns the number of buffered events.
func (cb *ConsoleBuffer) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.full {
		return cb.capacity
	}
	return cb.pos
}
