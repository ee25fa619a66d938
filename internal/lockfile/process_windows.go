//go:build windows

package lockfile

import "os"

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess always succeeds on Windows only when the process exists.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

func processCommandLine(pid int) (string, bool) {
	return "", false
}
