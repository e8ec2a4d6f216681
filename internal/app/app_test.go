//go:build !windows

package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/thinkd/internal/bridge"
	"github.com/loykin/thinkd/internal/config"
	"github.com/loykin/thinkd/internal/history"
	"github.com/loykin/thinkd/internal/session"
	"github.com/loykin/thinkd/internal/supervisor"
)

// fakeBackend serves /health and /api/chat, accepting only the current token.
type fakeBackend struct {
	srv     *httptest.Server
	token   atomic.Value
	healthy atomic.Bool
	probes  atomic.Int32
}

func newFakeBackend(t *testing.T, healthy bool) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.token.Store("")
	fb.healthy.Store(healthy)
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(session.HeaderName) != fb.token.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/health":
			fb.probes.Add(1)
			if !fb.healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/api/chat":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"reply":"hello"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func testConfig(t *testing.T, backendURL, command string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir: dir,
		Backend: config.BackendConfig{
			Spec: supervisor.Spec{
				Name:       "backend",
				DevCommand: command,
				DevWorkDir: dir,
				StopWait:   time.Second,
				PIDFile:    filepath.Join(dir, "backend.pid"),
			},
			URL:        backendURL,
			HealthPath: "/health",
		},
		Health:  config.HealthConfig{Interval: 20 * time.Millisecond, Timeout: 3 * time.Second},
		History: config.HistoryConfig{DSNs: []string{filepath.Join(dir, "history.db")}},
	}
}

func newApp(t *testing.T, cfg *config.Config, fb *fakeBackend) *App {
	t.Helper()
	a, err := New(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	require.NoError(t, err)
	fb.token.Store(a.session.Token())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "thk")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "n.sock")
}

func TestRunReachesReadyAndServesBridge(t *testing.T) {
	fb := newFakeBackend(t, true)
	cfg := testConfig(t, fb.srv.URL, `echo "$THINK_APP_TOKEN" > token.txt; exec sleep 30`)
	cfg.Bridge = config.BridgeConfig{Enabled: true, Endpoint: shortSocket(t), RequestTimeout: 5 * time.Second}
	a := newApp(t, cfg, fb)

	readyCh := make(chan Ready, 1)
	a.OnReady(func(r Ready) { readyCh <- r })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	var ready Ready
	select {
	case ready = <-readyCh:
	case err := <-runErr:
		t.Fatalf("run ended before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("backend never became ready")
	}
	assert.Equal(t, fb.srv.URL, ready.BaseURL)
	assert.Equal(t, a.session.Token(), ready.Token)
	assert.True(t, a.gate.Ready())
	assert.Equal(t, supervisor.StateRunning, a.Backend().State)

	// The child received the token through its environment.
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(cfg.DataDir, "token.txt"))
		return err == nil && strings.TrimSpace(string(b)) == ready.Token
	}, 2*time.Second, 20*time.Millisecond)

	client := bridge.NewClient(bridge.ClientOptions{Dialer: bridge.DefaultDialer(cfg.Bridge.Endpoint)})
	defer func() { _ = client.Close() }()
	res, err := client.Request(ctx, "chat.message", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"hello"}`, string(res))

	reader := a.history.Reader()
	require.NotNil(t, reader)
	require.Eventually(t, func() bool {
		events, err := reader.Recent(context.Background(), "backend", 10)
		if err != nil {
			return false
		}
		var started, readyEv bool
		for _, e := range events {
			started = started || e.Type == history.EventStarted
			readyEv = readyEv || e.Type == history.EventReady
		}
		return started && readyEv
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, a.Shutdown(sctx))
	assert.Equal(t, supervisor.StateStopped, a.Backend().State)
	_, err = os.Stat(cfg.Bridge.Endpoint)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestBridgeAnswersNotReadyWhileStarting(t *testing.T) {
	fb := newFakeBackend(t, false)
	cfg := testConfig(t, fb.srv.URL, "exec sleep 30")
	cfg.Bridge = config.BridgeConfig{Enabled: true, Endpoint: shortSocket(t), RequestTimeout: 5 * time.Second}
	a := newApp(t, cfg, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	client := bridge.NewClient(bridge.ClientOptions{Dialer: bridge.DefaultDialer(cfg.Bridge.Endpoint)})
	defer func() { _ = client.Close() }()

	var rpcErr *bridge.Error
	require.Eventually(t, func() bool {
		_, err := client.Request(ctx, "chat.message", map[string]any{"message": "hi"})
		return errors.As(err, &rpcErr)
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, bridge.CodeAppNotReady, rpcErr.Code)
}

func TestRunReadinessTimeout(t *testing.T) {
	fb := newFakeBackend(t, false)
	cfg := testConfig(t, fb.srv.URL, "exec sleep 30")
	cfg.Health.Timeout = 300 * time.Millisecond
	a := newApp(t, cfg, fb)

	start := time.Now()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadinessTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Greater(t, fb.probes.Load(), int32(1))
	assert.False(t, a.gate.Ready())
}

func TestRunBackendExitsBeforeReady(t *testing.T) {
	fb := newFakeBackend(t, false)
	cfg := testConfig(t, fb.srv.URL, "exit 3")
	cfg.Health.Timeout = 10 * time.Second
	a := newApp(t, cfg, fb)

	start := time.Now()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendCrashed), "got %v", err)
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunBackendCrashAfterReady(t *testing.T) {
	fb := newFakeBackend(t, true)
	cfg := testConfig(t, fb.srv.URL, "sleep 1; exit 2")
	a := newApp(t, cfg, fb)

	var readyCount atomic.Int32
	a.OnReady(func(Ready) { readyCount.Add(1) })

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendCrashed))
	assert.Equal(t, int32(1), readyCount.Load())
	assert.False(t, a.gate.Ready(), "gate closes after a crash")
}

func TestRunStartupFailure(t *testing.T) {
	fb := newFakeBackend(t, true)
	cfg := testConfig(t, fb.srv.URL, "")
	artifact := filepath.Join(cfg.DataDir, "backend-bin")
	require.NoError(t, os.WriteFile(artifact, []byte("not executable"), 0o644))
	cfg.Backend.ProdPath = artifact
	a := newApp(t, cfg, fb)

	err := a.Run(context.Background())
	var se *supervisor.StartupError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "backend", se.Name)
	assert.Zero(t, fb.probes.Load(), "no health polling after a failed launch")
}

func TestRestartBackend(t *testing.T) {
	fb := newFakeBackend(t, true)
	cfg := testConfig(t, fb.srv.URL, "exec sleep 30")
	a := newApp(t, cfg, fb)

	readyCh := make(chan struct{}, 1)
	a.OnReady(func(Ready) { readyCh <- struct{}{} })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	select {
	case <-readyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("not ready")
	}
	before := a.Backend().PID

	require.NoError(t, a.RestartBackend(ctx))
	after := a.Backend()
	assert.Equal(t, supervisor.StateRunning, after.State)
	assert.NotEqual(t, before, after.PID)
	assert.True(t, a.gate.Ready())
}

func TestRestartReportsCrashBeforeReady(t *testing.T) {
	fb := newFakeBackend(t, true)
	cfg := testConfig(t, fb.srv.URL, `if [ -f started ]; then exit 4; fi; touch started; exec sleep 30`)
	cfg.Health.Timeout = 10 * time.Second
	a := newApp(t, cfg, fb)

	readyCh := make(chan struct{}, 1)
	a.OnReady(func(Ready) { readyCh <- struct{}{} })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	select {
	case <-readyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("not ready")
	}

	fb.healthy.Store(false)
	start := time.Now()
	err := a.RestartBackend(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendCrashed), "got %v", err)
	assert.False(t, errors.Is(err, ErrReadinessTimeout))
	assert.Contains(t, err.Error(), "exit code 4")
	assert.Less(t, time.Since(start), 5*time.Second, "crash ends the wait before the health deadline")
	assert.False(t, a.gate.Ready())

	select {
	case err := <-runErr:
		assert.True(t, errors.Is(err, ErrBackendCrashed), "run sees the same crash: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe the crash")
	}
}

func TestReadyLogValueRedactsToken(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	log.Info("ready", "event", Ready{BaseURL: "http://127.0.0.1:1", Token: "abc123"})
	assert.NotContains(t, buf.String(), "abc123")
	assert.Contains(t, buf.String(), "http://127.0.0.1:1")
}

func TestInstallRuntimeRequiresURL(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "true")
	r := NewRuntimeInstaller(cfg, nil)
	assert.ErrorIs(t, r.InstallRuntime(context.Background(), nil), ErrNoDownloadURL)
}
