//go:build !windows

package process

import "os/exec"

// shellCommand runs script through /bin/sh. The absolute path avoids a PATH
// lookup when the child environment is replaced.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
