package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStartupFailed    EventType = "startup_failed"
	EventStarted          EventType = "started"
	EventReady            EventType = "ready"
	EventReadinessTimeout EventType = "readiness_timeout"
	EventCrashed          EventType = "crashed"
	EventStopped          EventType = "stopped"
)

// Record is the process snapshot attached to an event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event of a supervised process.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader returns the most recent events for name, newest first. An empty
// name matches every process.
type Reader interface {
	Recent(ctx context.Context, name string, limit int) ([]Event, error)
}

// Fanout sends every event to each sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reader returns the first sink that can serve queries, or nil.
func (f Fanout) Reader() Reader {
	for _, s := range f {
		if r, ok := s.(Reader); ok {
			return r
		}
	}
	return nil
}
