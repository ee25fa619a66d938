// Package lockfile implements the single-instance daemon lock: a JSON file
// carrying the owner's pid, bound port, start time, and the shared secret
// every client must present. One lock file per user; the next start reclaims
// it when the recorded process is dead.
package lockfile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DaemonMarker is the command-line substring that identifies a consult
// daemon process. The liveness check requires it so a recycled PID does not
// masquerade as a running daemon.
const DaemonMarker = "--daemon"

// LockFileName is the lock file's name inside the consult home directory.
const LockFileName = "daemon.lock"

// ErrAlreadyRunning is returned when a live daemon owns the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// LockInfo is the on-disk lock payload.
type LockInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
	Token     string    `json:"token"`
}

// Path returns the lock file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, LockFileName)
}

// MintToken returns 32 random bytes rendered as 64 hex characters.
func MintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to mint daemon token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Read parses the lock file in dir. A missing file returns os.ErrNotExist.
func Read(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file: %w", err)
	}
	return &info, nil
}

// Write persists the lock atomically: write to a temp file in the same
// directory, then rename over the target. Mode 0600 where the OS supports
// it; the token inside must not be world-readable.
func Write(dir string, info *LockInfo) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}

	tmp := Path(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tmp, Path(dir)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename lock file: %w", err)
	}
	return nil
}

// Remove deletes the lock file. Missing files are not an error.
func Remove(dir string) error {
	err := os.Remove(Path(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// IsLive reports whether the lock's owner is a running consult daemon: the
// PID must be alive and its command line must contain the daemon marker.
// On platforms without a readable command line the PID check alone decides.
func IsLive(info *LockInfo) bool {
	if info == nil || info.PID <= 0 {
		return false
	}
	if !isProcessRunning(info.PID) {
		return false
	}
	cmdline, ok := processCommandLine(info.PID)
	if !ok {
		return true
	}
	return strings.Contains(cmdline, DaemonMarker)
}

// Acquire claims the lock for the calling process. When a live daemon
// already owns it, Acquire returns its LockInfo alongside
// ErrAlreadyRunning. A stale lock (dead PID, or a recycled PID that is not
// a daemon) is removed and replaced.
func Acquire(dir string, port int) (*LockInfo, error) {
	if existing, err := Read(dir); err == nil {
		if IsLive(existing) {
			return existing, ErrAlreadyRunning
		}
		if err := Remove(dir); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		// Unparseable lock: treat as stale.
		if err := Remove(dir); err != nil {
			return nil, err
		}
	}

	token, err := MintToken()
	if err != nil {
		return nil, err
	}
	info := &LockInfo{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: time.Now().UTC(),
		Token:     token,
	}
	if err := Write(dir, info); err != nil {
		return nil, err
	}
	return info, nil
}
