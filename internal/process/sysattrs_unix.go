//go:build !linux && !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in a new process group for group signaling.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
