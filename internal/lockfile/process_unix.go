//go:build unix

package lockfile

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// isProcessRunning checks if a process with the given PID is running.
// EPERM means the process exists but we cannot signal it (sandboxes,
// containers); treat that as running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false // 0 would signal our process group, not a specific process
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}

// processCommandLine returns the process's command line joined with spaces.
// The second return is false when /proc is unavailable; callers fall back
// to PID liveness alone.
func processCommandLine(pid int) (string, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return "", false
	}
	return strings.ReplaceAll(strings.TrimRight(string(data), "\x00"), "\x00", " "), true
}
