//go:build !windows

package procstore

import "syscall"

// defaultProcessAlive sends signal 0 to the PID, which performs
// existence/permission checks without actually signaling the
// process.
func defaultProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}
