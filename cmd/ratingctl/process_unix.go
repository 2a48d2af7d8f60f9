//go:build !windows

package main

import "golang.org/x/sys/unix"

// processExists sends signal 0 to pid.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
