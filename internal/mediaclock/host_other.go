//go:build !linux && !darwin

package mediaclock

import "time"

type hostClock struct {
	origin time.Time
}

// NewHost returns a clock backed by the runtime's monotonic reading.
func NewHost() Clock {
	return &hostClock{origin: time.Now()}
}

func (c *hostClock) Now() time.Duration {
	return time.Since(c.origin)
}
