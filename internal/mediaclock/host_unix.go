//go:build linux || darwin

package mediaclock

import (
	"time"

	"golang.org/x/sys/unix"
)

type hostClock struct {
	origin time.Duration
}

// NewHost returns a clock that never jumps with wall-clock changes and
// keeps counting across system suspend, so a sleeping display shows up as a
// gap between ticks.
func NewHost() Clock {
	return &hostClock{origin: monotonic()}
}

func (c *hostClock) Now() time.Duration {
	return monotonic() - c.origin
}

func monotonic() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(hostClockID, &ts); err != nil {
		return time.Duration(time.Now().UnixNano())
	}
	return time.Duration(ts.Nano())
}
