package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestDownloadFollowsRedirect(t *testing.T) {
	body := payload(64 << 10)
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "runtime.zip")
	m := &Manager{}
	require.NoError(t, m.Download(context.Background(), srv.URL+"/start", dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, got))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadMidStreamDropLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload(1000))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "runtime.tgz")
	m := &Manager{}
	err := m.Download(context.Background(), srv.URL, dest, nil)
	require.Error(t, err)

	var de *DownloadError
	assert.True(t, errors.As(err, &de))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadFailureKeepsExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload(1000))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	previous := []byte("complete artifact from an earlier run")
	require.NoError(t, os.WriteFile(dest, previous, 0o644))

	m := &Manager{}
	require.Error(t, m.Download(context.Background(), srv.URL, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, previous, got)
	_, statErr := os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadTooManyRedirects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/again", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "loop")
	m := &Manager{MaxRedirects: 3}
	err := m.Download(context.Background(), srv.URL, dest, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyRedirects))
	assert.Equal(t, int32(4), hits.Load())
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "missing")
	err := (&Manager{}).Download(context.Background(), srv.URL, dest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadProgressIsMonotonic(t *testing.T) {
	body := payload(1 << 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		for off := 0; off < len(body); off += 8 << 10 {
			_, _ = w.Write(body[off : off+8<<10])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	m := &Manager{}
	var observed []Progress
	unsubscribe := m.Subscribe(func(p Progress) { observed = append(observed, p) })
	defer unsubscribe()

	var seen []int
	dest := filepath.Join(t.TempDir(), "big")
	err := m.Download(context.Background(), srv.URL, dest, func(p Progress) {
		assert.Equal(t, StageDownloading, p.Stage)
		seen = append(seen, p.Progress)
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 100, seen[len(seen)-1])
	assert.Len(t, observed, len(seen))
}

func TestDownloadWithoutLengthSkipsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		_, _ = w.Write(payload(4096))
	}))
	defer srv.Close()

	var calls int
	dest := filepath.Join(t.TempDir(), "chunked")
	err := (&Manager{}).Download(context.Background(), srv.URL, dest, func(Progress) { calls++ })
	require.NoError(t, err)
	assert.Zero(t, calls)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())
}

func TestDownloadCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000")
		_, _ = w.Write(payload(10))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dest := filepath.Join(t.TempDir(), "slow")
	m := &Manager{}
	m.Subscribe(func(p Progress) {
		if p.Progress >= 0 {
			cancel()
		}
	})
	err := m.Download(ctx, srv.URL, dest, nil)
	require.Error(t, err)
	_, statErr := os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}
