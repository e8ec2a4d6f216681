// Package modelrt talks to the local model runtime (Ollama) over its HTTP API.
package modelrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	statusTimeout  = 2 * time.Second
	maxLineBytes   = 1 << 20
)

// Model is one locally available model.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Status reports whether the runtime answered and what it has pulled.
type Status struct {
	Running bool    `json:"running"`
	Models  []Model `json:"models"`
}

// PullProgress is one parsed line of a pull stream. Progress is set only when
// the runtime reported both completed and total bytes.
type PullProgress struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
}

// PullError carries the error message the runtime put in the stream.
type PullError struct {
	Model   string
	Message string
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s: %s", e.Model, e.Message)
}

// ErrMalformedLine is returned when a pull stream line is not JSON.
var ErrMalformedLine = errors.New("malformed pull stream line")

// Client is a minimal runtime API client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) base() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Status queries /api/tags. An unreachable runtime yields Running=false and
// the transport error.
func (c *Client) Status(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/api/tags", nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Status{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("runtime status: HTTP %d", resp.StatusCode)
	}
	var body struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{Running: true}, fmt.Errorf("decode tags: %w", err)
	}
	return Status{Running: true, Models: body.Models}, nil
}

// Has reports whether name (with or without a tag) is already pulled.
func (s Status) Has(name string) bool {
	for _, m := range s.Models {
		if m.Name == name || strings.SplitN(m.Name, ":", 2)[0] == name {
			return true
		}
	}
	return false
}

type pullLine struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     *int64 `json:"total"`
	Completed *int64 `json:"completed"`
	Error     string `json:"error"`
}

// Pull streams a model download and calls onProgress for every status line.
func (c *Client) Pull(ctx context.Context, model string, onProgress func(PullProgress)) error {
	payload, err := json.Marshal(map[string]any{"name": model, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &PullError{Model: model, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	return ReadPullStream(resp.Body, model, onProgress)
}

// ReadPullStream parses newline-delimited pull status objects from r.
func ReadPullStream(r io.Reader, model string, onProgress func(PullProgress)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line pullLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
		if line.Error != "" {
			return &PullError{Model: model, Message: line.Error}
		}
		p := PullProgress{Status: line.Status}
		if line.Total != nil && line.Completed != nil && *line.Total > 0 {
			pct := float64(*line.Completed) / float64(*line.Total) * 100
			p.Progress = &pct
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return sc.Err()
}
