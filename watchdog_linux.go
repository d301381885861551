//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// setWatchdogTimeout programs the heartbeat of a watchdog device and reads
// back the value the driver settled on.
func setWatchdogTimeout(f *os.File, secs int) (int, error) {
	fd := int(f.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.WDIOC_SETTIMEOUT, secs); err != nil {
		return 0, err
	}
	return unix.IoctlGetInt(fd, unix.WDIOC_GETTIMEOUT)
}
