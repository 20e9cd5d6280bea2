// Package frameclock paces frame ticks at a target rate on the media clock.
//
// The clock does not own a goroutine. The session's scheduling loop asks
// it when the next tick is due and reports each tick back, which keeps all
// ticks for a session on one goroutine and strictly sequential.
package frameclock

import "time"

const (
	MinRate = 1
	MaxRate = 60
)

// Clamp limits hz to [MinRate, MaxRate].
func Clamp(hz int) int {
	return max(MinRate, min(MaxRate, hz))
}

// IntervalFor returns the tick spacing for a rate.
func IntervalFor(hz int) time.Duration {
	return time.Second / time.Duration(Clamp(hz))
}

type Clock struct {
	rate     int
	interval time.Duration
	started  bool
	last     time.Duration
	next     time.Duration
	ticks    uint64
}

func New(hz int) *Clock {
	c := &Clock{}
	c.SetRate(hz)
	return c
}

// SetRate changes the target rate and returns the clamped value. A running
// clock reschedules its next tick one new interval after the last tick.
func (c *Clock) SetRate(hz int) int {
	c.rate = Clamp(hz)
	c.interval = IntervalFor(c.rate)
	if c.started && c.ticks > 0 {
		c.next = c.last + c.interval
	}
	return c.rate
}

func (c *Clock) Rate() int               { return c.rate }
func (c *Clock) Interval() time.Duration { return c.interval }
func (c *Clock) Started() bool           { return c.started }

// Start makes the first tick due at now.
func (c *Clock) Start(now time.Duration) {
	c.started = true
	c.ticks = 0
	c.last = now
	c.next = now
}

func (c *Clock) Stop() {
	c.started = false
}

// Due reports whether a tick should run at now.
func (c *Clock) Due(now time.Duration) bool {
	return c.started && now >= c.next
}

// Until returns how long until the next tick; zero if one is due.
func (c *Clock) Until(now time.Duration) time.Duration {
	if !c.started {
		return c.interval
	}
	if now >= c.next {
		return 0
	}
	return c.next - now
}

// Advance records a tick at now, whether or not it produced a frame. When
// the loop fell behind by more than one interval the schedule restarts from
// now instead of bursting through the missed ticks.
func (c *Clock) Advance(now time.Duration) uint64 {
	c.ticks++
	c.last = now
	c.next += c.interval
	if c.next <= now {
		c.next = now + c.interval
	}
	return c.ticks
}

// LastTick is the media time of the most recent tick (or Start).
func (c *Clock) LastTick() time.Duration { return c.last }

func (c *Clock) Ticks() uint64 { return c.ticks }
