//go:build !windows

package process

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// terminate sends SIGTERM to the process group led by pid, falling back to
// the single process when the group is already gone.
func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

// kill sends SIGKILL to the process group led by pid.
func kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// bindLifetime is a no-op on unix; Setpgid plus Pdeathsig (linux) and the
// group signal on Stop cover child cleanup.
func bindLifetime(int) io.Closer { return nil }
