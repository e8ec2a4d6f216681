package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/thinkd/internal/logger"
)

// DefaultOutputQueue is the number of output lines buffered per stream before
// new lines are dropped.
const DefaultOutputQueue = 256

// ErrEmptyCommand is returned when a Spec names nothing to run.
var ErrEmptyCommand = errors.New("empty command")

// Spec describes a child process to be launched.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`           // shell-style command line, or the executable when Args is set
	Args        []string      `json:"args" mapstructure:"args"`                 // passed verbatim to Command when non-empty
	Exec        bool          `json:"exec" mapstructure:"exec"`                 // Command is an executable path, never split or shell-parsed
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`         // optional working dir
	Env         []string      `json:"env" mapstructure:"env"`                   // optional extra env
	PIDFile     string        `json:"pid_file" mapstructure:"pid_file"`         // optional pidfile path used for orphan detection
	OutputQueue int           `json:"output_queue" mapstructure:"output_queue"` // per-stream line buffer (default 256)
	Log         logger.Config `json:"log" mapstructure:"log"`                   // file destinations for child output
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With Args or Exec set, Command is executed directly. Otherwise the command string is
// split on whitespace unless it uses shell syntax, in which case it runs
// through the platform shell. An explicit "sh -c ..." prefix is honoured
// without adding another shell layer.
func (s *Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, ErrEmptyCommand
	}
	if len(s.Args) > 0 || s.Exec {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...), nil
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG.
// One pair of wrapping quotes around ARG is stripped so the shell parses the
// script itself.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

func (s *Spec) outputQueue() int {
	if s.OutputQueue <= 0 {
		return DefaultOutputQueue
	}
	return s.OutputQueue
}
