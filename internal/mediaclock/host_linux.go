package mediaclock

import "golang.org/x/sys/unix"

// CLOCK_MONOTONIC stops during suspend on Linux; BOOTTIME does not.
const hostClockID = unix.CLOCK_BOOTTIME
