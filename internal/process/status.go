package process

import "time"

// Status is a point-in-time copy of a child process's state.
type Status struct {
	Name         string    `json:"name"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	ExitCode     int       `json:"exit_code"`
	ExitErr      error     `json:"-"`
	DroppedLines uint64    `json:"dropped_lines"`
}
