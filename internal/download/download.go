// Package download fetches the optional model runtime and installs it with a
// per-platform sequence of steps.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/loykin/thinkd/internal/event"
	"github.com/loykin/thinkd/internal/metrics"
)

const (
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "thinkd-installer/1.0"

	StageDownloading = "downloading"
	StageInstalled   = "installed"
)

// ErrTooManyRedirects is returned when a redirect chain exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// Progress is one percent-complete notification.
type Progress struct {
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
}

// DownloadError reports a failure while fetching the artifact. Nothing is
// left at the destination when it is returned.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Manager downloads and installs runtime artifacts. The zero value is usable;
// Install on darwin and linux needs AppsDir and Home respectively.
type Manager struct {
	Client       *http.Client
	MaxRedirects int
	UserAgent    string

	// Runner executes external install commands; defaults to ExecRunner.
	Runner CommandRunner
	// Home is the user's home directory. Linux installs go to Home/.local/bin.
	Home string
	// AppsDir is where darwin bundles are copied; defaults to /Applications.
	AppsDir string
	// BinaryName is the executable looked up in linux archives.
	BinaryName string
	// SetupArgs are passed to the windows setup executable.
	SetupArgs []string

	Logger *slog.Logger

	listeners event.Listeners[Progress]
}

// Subscribe registers fn for every progress value emitted by this manager.
func (m *Manager) Subscribe(fn func(Progress)) func() {
	return m.listeners.Subscribe(fn)
}

func (m *Manager) emit(p Progress, onProgress func(Progress)) {
	if onProgress != nil {
		onProgress(p)
	}
	m.listeners.Emit(p)
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) maxRedirects() int {
	if m.MaxRedirects > 0 {
		return m.MaxRedirects
	}
	return DefaultMaxRedirects
}

// noFollow returns a copy of the configured client that hands 3xx responses
// back to the caller.
func (m *Manager) noFollow() *http.Client {
	var c http.Client
	if m.Client != nil {
		c = *m.Client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}

// Download streams rawURL to dest. Redirects are followed up to MaxRedirects
// hops. Progress is reported only when the server declares a length. On any
// error neither dest nor its partial file remain.
func (m *Manager) Download(ctx context.Context, rawURL, dest string, onProgress func(Progress)) error {
	resp, err := m.open(ctx, rawURL)
	if err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := m.save(resp, dest, onProgress); err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	m.logger().Info("download complete", "url", rawURL, "dest", dest)
	return nil
}

func (m *Manager) open(ctx context.Context, rawURL string) (*http.Response, error) {
	client := m.noFollow()
	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	ua := m.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	for hops := 0; ; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", ua)
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}

		loc := resp.Header.Get("Location")
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && loc != "" {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
			if hops >= m.maxRedirects() {
				return nil, fmt.Errorf("%w (limit %d)", ErrTooManyRedirects, m.maxRedirects())
			}
			next, err := current.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("bad redirect location %q: %w", loc, err)
			}
			m.logger().Debug("following redirect", "from", current.String(), "to", next.String(), "status", resp.StatusCode)
			current = next
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, current.String())
		}
		return resp, nil
	}
}

func (m *Manager) save(resp *http.Response, dest string, onProgress func(Progress)) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(part)
		}
	}()

	total := resp.ContentLength
	var received int64
	last := -1
	buf := make([]byte, 32<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			received += int64(n)
			metrics.AddDownloadBytes(n)
			if total > 0 {
				pct := int(received * 100 / total)
				if pct > 100 {
					pct = 100
				}
				if pct > last {
					last = pct
					m.emit(Progress{Progress: pct, Stage: StageDownloading}, onProgress)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if total > 0 && received < total {
		return io.ErrUnexpectedEOF
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return err
	}
	return nil
}

// Fetch downloads rawURL to dest and installs it for the current platform.
func (m *Manager) Fetch(ctx context.Context, rawURL, dest string, onProgress func(Progress)) error {
	if err := m.Download(ctx, rawURL, dest, onProgress); err != nil {
		return err
	}
	return m.Install(ctx, dest, onProgress)
}
