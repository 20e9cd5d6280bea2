package mediaclock

import "golang.org/x/sys/unix"

// CLOCK_MONOTONIC counts sleep on darwin.
const hostClockID = unix.CLOCK_MONOTONIC
