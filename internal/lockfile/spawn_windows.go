//go:build windows

package lockfile

import "os/exec"

func detachProcess(cmd *exec.Cmd) {}
