package client

import "time"

// BackendStatus is the supervised backend as reported by GET /status.
type BackendStatus struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Mode         string    `json:"mode,omitempty"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastError    string    `json:"last_error,omitempty"`
	DroppedLines uint64    `json:"dropped_lines"`
}

// Resources is a CPU and memory sample of the backend process.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Model is one model installed in the local runtime.
type Model struct {
	Name string `json:"name"`
}

// RuntimeStatus reports the local model runtime.
type RuntimeStatus struct {
	Running bool    `json:"running"`
	Models  []Model `json:"models"`
}

// Status is the GET /status response body.
type Status struct {
	Backend     *BackendStatus `json:"backend,omitempty"`
	Resources   *Resources     `json:"resources,omitempty"`
	BridgeReady bool           `json:"bridge_ready"`
	Runtime     *RuntimeStatus `json:"runtime,omitempty"`
}

// HistoryQuery filters GET /history. Zero values use the server defaults.
type HistoryQuery struct {
	Name  string
	Limit int
}

// HistoryEvent is one recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		Name     string `json:"name"`
		PID      int    `json:"pid"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error,omitempty"`
	} `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
