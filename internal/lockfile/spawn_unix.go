//go:build unix

package lockfile

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the spawned daemon in its own session so it survives
// the client's exit and does not share its controlling terminal.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
