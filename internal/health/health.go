// Package health waits for the backend's health endpoint to report ready.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/thinkd/internal/metrics"
	"github.com/loykin/thinkd/internal/session"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

// ErrNotReady is returned when the deadline passes without a 2xx response.
// A backend that never started and one that started but stays unhealthy look
// the same.
var ErrNotReady = errors.New("backend not ready")

// Probe describes one completed wait. It is returned by value and not kept.
type Probe struct {
	StartedAt     time.Time
	LastAttemptAt time.Time
	Attempts      int
	Succeeded     bool
}

// Elapsed is the time from the start of polling to the last attempt.
func (p Probe) Elapsed() time.Duration { return p.LastAttemptAt.Sub(p.StartedAt) }

// Poller issues authenticated GET requests on a fixed interval.
type Poller struct {
	Client *http.Client
	// Header carries the token; defaults to X-App-Token.
	Header string
	// OnAttempt, when set, is called after every attempt with its number and
	// failure (nil on success).
	OnAttempt func(n int, err error)
}

// WaitUntilReady polls url until a 2xx arrives or timeout elapses. The first
// attempt fires one interval after the call and attempts never overlap.
// Failed attempts are absorbed; only the overall timeout is surfaced.
func (p *Poller) WaitUntilReady(ctx context.Context, url, token string, interval, timeout time.Duration) (Probe, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probe := Probe{StartedAt: time.Now()}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.Done():
			if err := ctx.Err(); err != nil {
				return probe, err
			}
			metrics.ObserveHealthWait(time.Since(probe.StartedAt).Seconds())
			return probe, fmt.Errorf("%w after %d attempts in %s", ErrNotReady, probe.Attempts, time.Since(probe.StartedAt).Round(time.Millisecond))
		case <-ticker.C:
		}

		probe.Attempts++
		probe.LastAttemptAt = time.Now()
		err := p.attempt(deadline, url, token)
		metrics.IncHealthAttempt(err == nil)
		if p.OnAttempt != nil {
			p.OnAttempt(probe.Attempts, err)
		}
		if err == nil {
			probe.Succeeded = true
			metrics.ObserveHealthWait(time.Since(probe.StartedAt).Seconds())
			return probe, nil
		}
	}
}

func (p *Poller) attempt(ctx context.Context, url, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	header := p.Header
	if header == "" {
		header = session.HeaderName
	}
	req.Header.Set(header, token)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
