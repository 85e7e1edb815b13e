//go:build windows

package procstore

import "os"

// defaultProcessAlive best-effort checks liveness by attempting to
// find the process handle; Windows offers no signal-0 equivalent.
func defaultProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
