package lockfile

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// spawnPollInterval and spawnPollBudget bound how long a client waits for a
// freshly spawned daemon to write its lock.
const (
	spawnPollInterval = 100 * time.Millisecond
	spawnPollBudget   = 3 * time.Second
)

// SpawnDaemon starts a detached daemon process and polls the lock file
// until the daemon publishes it or the 3 s budget runs out. Used by client
// proxies that found no live lock.
func SpawnDaemon(dir, binary string) (*LockInfo, error) {
	cmd := exec.Command(binary, "--daemon")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn daemon: %w", err)
	}
	// The child outlives us; release so it is not reaped through this handle.
	if err := cmd.Process.Release(); err != nil {
		return nil, fmt.Errorf("failed to detach daemon: %w", err)
	}

	deadline := time.Now().Add(spawnPollBudget)
	for time.Now().Before(deadline) {
		info, err := Read(dir)
		if err == nil && IsLive(info) {
			return info, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		time.Sleep(spawnPollInterval)
	}
	return nil, fmt.Errorf("daemon did not publish a lock within %s", spawnPollBudget)
}
