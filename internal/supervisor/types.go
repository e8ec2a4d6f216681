package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/thinkd/internal/logger"
)

var (
	// ErrAlreadyRunning is returned by Start while a child is alive.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNoLaunchTarget means neither the production artifact nor a dev command is available.
	ErrNoLaunchTarget = errors.New("no production artifact and no dev command configured")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// StartupError reports a launch that failed before the child ran. It is
// fatal to the current run and never retried automatically.
type StartupError struct {
	Name string
	Path string
	Err  error
}

func (e *StartupError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("start %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("start %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

var allStates = []string{"stopped", "starting", "running", "stopping", "crashed"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(allStates) {
		return allStates[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type EventKind string

const (
	EventStartupFailed EventKind = "startup_failed"
	EventStarted       EventKind = "started"
	EventStopped       EventKind = "stopped"
	EventCrashed       EventKind = "crashed"
)

// Event is a lifecycle notification delivered to subscribers in order.
type Event struct {
	Kind     EventKind
	Name     string
	PID      int
	ExitCode int
	Err      error
	At       time.Time
}

// Spec describes the child a Supervisor owns. ProdPath wins when the file
// exists; otherwise DevCommand runs in DevWorkDir.
type Spec struct {
	Name        string        `mapstructure:"name"`
	ProdPath    string        `mapstructure:"prod_path"`
	ProdArgs    []string      `mapstructure:"prod_args"`
	DevCommand  string        `mapstructure:"dev_command"`
	DevWorkDir  string        `mapstructure:"dev_work_dir"`
	Env         []string      `mapstructure:"env"`
	PIDFile     string        `mapstructure:"pid_file"`
	StopWait    time.Duration `mapstructure:"stop_wait"`
	OutputQueue int           `mapstructure:"output_queue"`
	Log         logger.Config `mapstructure:"log"`
}

// Status is a snapshot for the control API.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Mode         string    `json:"mode,omitempty"` // "prod" or "dev"
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastError    string    `json:"last_error,omitempty"`
	DroppedLines uint64    `json:"dropped_lines"`
}
