// Package app wires the session, supervisors, bridge, registrar and control
// API into one run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/thinkd/internal/auth"
	"github.com/loykin/thinkd/internal/backendapi"
	"github.com/loykin/thinkd/internal/bridge"
	"github.com/loykin/thinkd/internal/config"
	"github.com/loykin/thinkd/internal/event"
	"github.com/loykin/thinkd/internal/health"
	"github.com/loykin/thinkd/internal/history"
	"github.com/loykin/thinkd/internal/history/factory"
	"github.com/loykin/thinkd/internal/metrics"
	"github.com/loykin/thinkd/internal/modelrt"
	"github.com/loykin/thinkd/internal/server"
	"github.com/loykin/thinkd/internal/session"
	"github.com/loykin/thinkd/internal/supervisor"
)

// RuntimeName is the supervisor name of the local model runtime.
const RuntimeName = "model-runtime"

var (
	// ErrReadinessTimeout means the backend never answered its health
	// endpoint in time. The run is over; a retry is a full restart.
	ErrReadinessTimeout = errors.New("backend did not become ready")
	// ErrBackendCrashed is returned by Run when the backend exits abnormally.
	ErrBackendCrashed = errors.New("backend crashed")
)

// Ready is delivered to UI subscribers once the backend is healthy.
type Ready struct {
	BaseURL string
	Token   string
}

// LogValue keeps the token out of logs.
func (r Ready) LogValue() slog.Value {
	return slog.GroupValue(slog.String("base_url", r.BaseURL), slog.String("token", "[redacted]"))
}

// App is one supervised run.
type App struct {
	cfg *config.Config
	log *slog.Logger

	session   *session.Session
	backend   *supervisor.Supervisor
	runtime   *supervisor.Supervisor
	rtClient  *modelrt.Client
	poller    *health.Poller
	gate      *bridge.ReadyGate
	bridge    *bridge.Server
	installer *RuntimeInstaller
	history   history.Fanout
	control   *http.Server

	ready event.Listeners[Ready]

	restartMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New mints the session and builds every component. Nothing is started.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	sess, err := session.New()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	baseEnv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		_ = sinks.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		session:  sess,
		history:  sinks,
		rtClient: &modelrt.Client{BaseURL: cfg.Runtime.BaseURL},
		poller: &health.Poller{OnAttempt: func(n int, err error) {
			if err != nil {
				log.Debug("health probe failed", "attempt", n, "error", err)
			}
		}},
		installer: NewRuntimeInstaller(cfg, log),
	}

	a.backend = supervisor.New(cfg.Backend.Spec, supervisor.Options{
		Logger:  log,
		Session: sess,
		BaseEnv: baseEnv,
		History: sinks,
	})

	if cfg.Runtime.Enabled {
		a.runtime = supervisor.New(supervisor.Spec{
			Name:       RuntimeName,
			DevCommand: cfg.Runtime.Command,
			StopWait:   cfg.Runtime.StopWait,
			PIDFile:    filepath.Join(cfg.DataDir, RuntimeName+".pid"),
			Log:        cfg.Backend.Log,
		}, supervisor.Options{Logger: log, BaseEnv: baseEnv, History: sinks})
	}

	api := &backendapi.Client{BaseURL: cfg.Backend.URL, Session: sess}
	a.gate = &bridge.ReadyGate{Next: api.Routes()}
	if cfg.Bridge.Enabled {
		a.bridge = &bridge.Server{Handler: a.gate, Logger: log.With("component", "bridge")}
	}

	if cfg.Server.Enabled {
		deps := server.Deps{
			Backend:   backendHandle{a},
			Installer: a.installer,
			History:   sinks.Reader(),
			Bridge:    a.gate,
			Auth:      auth.NewMiddleware(sess),
		}
		if cfg.Runtime.Enabled {
			deps.Runtime = a.rtClient
		}
		a.control = server.NewServer(cfg.Server.Listen, server.NewRouter(deps, cfg.Server.BasePath))
	}
	return a, nil
}

// OnReady registers fn for the Ready notification. The returned func removes it.
func (a *App) OnReady(fn func(Ready)) func() { return a.ready.Subscribe(fn) }

// OnBackendEvent registers fn for backend lifecycle events.
func (a *App) OnBackendEvent(fn func(supervisor.Event)) func() { return a.backend.Subscribe(fn) }

// Backend returns the backend status snapshot.
func (a *App) Backend() supervisor.Status { return a.backend.Status() }

// Run registers the native host, starts the backend and waits for it to
// become healthy, then opens the bridge and blocks until ctx is done or the
// backend crashes. A cancelled ctx is a clean return. Call Shutdown after.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Manifest.Enabled {
		a.registerHost()
	}

	bridgeErr := make(chan error, 1)
	if a.bridge != nil {
		go func() { bridgeErr <- a.bridge.ListenAndServe(a.cfg.Bridge.Endpoint) }()
	}

	crashes, stopWatch := a.watchCrashes()
	defer stopWatch()
	if err := a.backend.Start(ctx); err != nil {
		return err
	}
	if err := a.waitReady(ctx, crashes); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	a.gate.Open()

	a.startRuntime(ctx)

	controlErr := make(chan error, 1)
	if a.control != nil {
		go func() {
			a.log.Info("control api listening", "addr", a.control.Addr)
			if err := a.control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				controlErr <- err
			}
		}()
	}

	a.log.Info("backend ready", "url", a.cfg.Backend.URL)
	a.ready.Emit(Ready{BaseURL: a.cfg.Backend.URL, Token: a.session.Token()})

	select {
	case <-ctx.Done():
		return nil
	case e := <-crashes:
		a.gate.Close()
		return fmt.Errorf("%w: exit code %d", ErrBackendCrashed, e.ExitCode)
	case err := <-bridgeErr:
		if err != nil {
			return fmt.Errorf("native bridge: %w", err)
		}
		return nil
	case err := <-controlErr:
		return fmt.Errorf("control api: %w", err)
	}
}

// registerHost publishes the helper registration. Failures are logged; the
// desktop app works without the extension.
func (a *App) registerHost() {
	helper := a.cfg.Manifest.HelperPath
	if helper == "" {
		helper = DefaultHelperPath()
	}
	if helper == "" {
		a.log.Debug("native host helper not found; skipping registration")
		return
	}
	r, err := NewRegistrar(a.log)
	if err == nil {
		_, err = r.Register(helper, a.cfg.Manifest.ChromeIDs, a.cfg.Manifest.FirefoxIDs)
	}
	if err != nil {
		a.log.Warn("native host registration failed", "error", err)
	}
}

// watchCrashes delivers backend crashes to one waiter until stop is called.
// One subscription per waiter: a crash is seen by every waiter.
func (a *App) watchCrashes() (<-chan supervisor.Event, func()) {
	ch := make(chan supervisor.Event, 1)
	stop := a.backend.Subscribe(func(e supervisor.Event) {
		if e.Kind != supervisor.EventCrashed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	return ch, stop
}

// waitReady polls the health endpoint, giving up early if the backend dies.
func (a *App) waitReady(ctx context.Context, crashes <-chan supervisor.Event) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		probe, err := a.poller.WaitUntilReady(waitCtx, a.cfg.Backend.HealthURL(), a.session.Token(), a.cfg.Health.Interval, a.cfg.Health.Timeout)
		if err == nil {
			a.log.Debug("health check passed", "attempts", probe.Attempts, "elapsed", probe.Elapsed())
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case e := <-crashes:
		cancel()
		<-done
		return fmt.Errorf("%w before becoming ready: exit code %d", ErrBackendCrashed, e.ExitCode)
	}
	if err == nil {
		a.record(history.EventReady)
		return nil
	}
	if errors.Is(err, health.ErrNotReady) {
		a.record(history.EventReadinessTimeout)
		return fmt.Errorf("%w: %v", ErrReadinessTimeout, err)
	}
	return err
}

func (a *App) record(t history.EventType) {
	st := a.backend.Status()
	e := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: history.Record{Name: st.Name, PID: st.PID}}
	if err := a.history.Send(context.Background(), e); err != nil {
		a.log.Warn("history write failed", "event", t, "error", err)
	}
}

// startRuntime launches the model runtime unless one already answers.
// Failures are logged; the backend works without it.
func (a *App) startRuntime(ctx context.Context) {
	if a.runtime == nil {
		return
	}
	if st, err := a.rtClient.Status(ctx); err == nil && st.Running {
		a.log.Info("model runtime already running", "url", a.cfg.Runtime.BaseURL)
		return
	}
	if err := a.runtime.Start(ctx); err != nil {
		a.log.Warn("model runtime start failed", "error", err)
	}
}

// RestartBackend stops the backend, starts it again and waits for health.
// The bridge answers not-ready in between.
func (a *App) RestartBackend(ctx context.Context) error {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()
	a.gate.Close()
	if err := a.backend.Stop(0); err != nil {
		return err
	}
	crashes, stopWatch := a.watchCrashes()
	defer stopWatch()
	if err := a.backend.Start(ctx); err != nil {
		return err
	}
	if err := a.waitReady(ctx, crashes); err != nil {
		return err
	}
	a.gate.Open()
	return nil
}

// Shutdown stops the control API, the bridge, the runtime and the backend,
// in that order. Later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		a.gate.Close()
		if a.control != nil {
			if err := a.control.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("control api: %w", err))
			}
		}
		if a.bridge != nil {
			if err := a.bridge.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("bridge: %w", err))
			}
		}
		if a.runtime != nil {
			if err := a.runtime.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("runtime: %w", err))
			}
		}
		if err := a.backend.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// backendHandle adapts App to server.Backend.
type backendHandle struct{ a *App }

func (h backendHandle) Status() supervisor.Status { return h.a.backend.Status() }

func (h backendHandle) Restart(ctx context.Context) error { return h.a.RestartBackend(ctx) }
