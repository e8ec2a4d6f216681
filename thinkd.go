// Package thinkd is the embeddable facade over the desktop control plane:
// backend supervision, the native messaging bridge and browser registration.
package thinkd

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/thinkd/internal/app"
	cfg "github.com/loykin/thinkd/internal/config"
	"github.com/loykin/thinkd/internal/metrics"
	"github.com/loykin/thinkd/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Ready = app.Ready

type BackendStatus = supervisor.Status

type BackendEvent = supervisor.Event

var (
	ErrReadinessTimeout = app.ErrReadinessTimeout
	ErrBackendCrashed   = app.ErrBackendCrashed
)

// App is a thin facade over internal/app.App.
type App struct{ inner *app.App }

// LoadConfig reads a TOML config file; see internal/config for keys.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// New builds an App from c. log may be nil.
func New(c *Config, log *slog.Logger) (*App, error) {
	a, err := app.New(c, log)
	if err != nil {
		return nil, err
	}
	return &App{inner: a}, nil
}

func (a *App) Run(ctx context.Context) error               { return a.inner.Run(ctx) }
func (a *App) Shutdown(ctx context.Context) error          { return a.inner.Shutdown(ctx) }
func (a *App) RestartBackend(ctx context.Context) error    { return a.inner.RestartBackend(ctx) }
func (a *App) Backend() BackendStatus                      { return a.inner.Backend() }
func (a *App) OnReady(fn func(Ready)) func()               { return a.inner.OnReady(fn) }
func (a *App) OnBackendEvent(fn func(BackendEvent)) func() { return a.inner.OnBackendEvent(fn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
