// Package mediaclock provides the monotonic clock used for frame
// timestamps. Media time never follows the wall clock; it starts at zero
// when the clock is created.
package mediaclock

import (
	"sync"
	"time"
)

// Clock reports elapsed media time.
type Clock interface {
	Now() time.Duration
}

// Manual is a clock that only moves when told to. The zero value reads 0.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += d
	}
	return m.now
}
