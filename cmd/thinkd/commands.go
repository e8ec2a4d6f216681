package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/thinkd"
	"github.com/loykin/thinkd/internal/app"
	"github.com/loykin/thinkd/internal/config"
	"github.com/loykin/thinkd/internal/download"
	"github.com/loykin/thinkd/internal/modelrt"
	"github.com/loykin/thinkd/internal/session"
	"github.com/loykin/thinkd/pkg/client"
)

const shutdownTimeout = 15 * time.Second

type command struct {
	out io.Writer
	// pullClient overrides the runtime client in tests.
	pullClient *modelrt.Client
}

func newCommand(out io.Writer) *command {
	return &command{out: out}
}

// Run loads the full configuration and supervises until a signal arrives.
func (c *command) Run(ctx context.Context, configPath string, f RunFlags) error {
	cfg, err := thinkd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log := cfg.Log.NewSlogger()

	a, err := thinkd.New(cfg, log)
	if err != nil {
		return err
	}
	if f.EmitReady {
		a.OnReady(func(r thinkd.Ready) { c.emitReady(r) })
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := a.Run(ctx)
	if runErr != nil {
		log.Error("run ended", "error", runErr)
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	if err := a.Shutdown(sctx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

// emitReady hands the token to the parent over stdout. This is the only
// place it leaves the process outside the child environment.
func (c *command) emitReady(r thinkd.Ready) {
	_ = json.NewEncoder(c.out).Encode(struct {
		Event   string `json:"event"`
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	}{"ready", r.BaseURL, r.Token})
}

func (c *command) readConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, cfg.Log.NewSlogger(), nil
}

// Register writes the native host manifests and prints the per-browser tally.
func (c *command) Register(configPath string, f RegisterFlags) error {
	cfg, log, err := c.readConfig(configPath)
	if err != nil {
		return err
	}
	helper := firstNonEmpty(f.HelperPath, cfg.Manifest.HelperPath, app.DefaultHelperPath())
	if helper == "" {
		return errors.New("native host helper not found; pass --helper")
	}
	chrome := f.ChromeIDs
	if len(chrome) == 0 {
		chrome = cfg.Manifest.ChromeIDs
	}
	firefox := f.FirefoxIDs
	if len(firefox) == 0 {
		firefox = cfg.Manifest.FirefoxIDs
	}
	if len(chrome) == 0 && len(firefox) == 0 {
		return errors.New("at least one --chrome-id or --firefox-id is required")
	}

	r, err := app.NewRegistrar(log)
	if err != nil {
		return err
	}
	rep, err := r.Register(helper, chrome, firefox)
	for _, res := range rep.Results {
		if res.Err != nil {
			_, _ = fmt.Fprintf(c.out, "  %-10s FAILED  %s: %v\n", res.Browser, res.Path, res.Err)
			continue
		}
		_, _ = fmt.Fprintf(c.out, "  %-10s ok      %s\n", res.Browser, res.Path)
	}
	_, _ = fmt.Fprintf(c.out, "registered %d, failed %d\n", rep.Installed, rep.Failed)
	return err
}

// Unregister removes every registration; absent ones count as removed.
func (c *command) Unregister(configPath string) error {
	_, log, err := c.readConfig(configPath)
	if err != nil {
		return err
	}
	r, err := app.NewRegistrar(log)
	if err != nil {
		return err
	}
	rep := r.Unregister()
	_, _ = fmt.Fprintf(c.out, "removed %d, failed %d\n", rep.Installed, rep.Failed)
	if rep.Failed > 0 {
		return fmt.Errorf("%d registrations could not be removed", rep.Failed)
	}
	return nil
}

// RuntimeInstall downloads and installs the model runtime, printing progress.
func (c *command) RuntimeInstall(ctx context.Context, configPath string, f InstallFlags) error {
	cfg, log, err := c.readConfig(configPath)
	if err != nil {
		return err
	}
	inst := app.NewRuntimeInstaller(cfg, log)
	if f.URL != "" {
		inst.URL = f.URL
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return inst.InstallRuntime(ctx, func(p download.Progress) {
		_, _ = fmt.Fprintf(c.out, "%3d%% %s\n", p.Progress, p.Stage)
	})
}

// RuntimePull streams a model pull, printing each status line.
func (c *command) RuntimePull(ctx context.Context, configPath, model string) error {
	cfg, _, err := c.readConfig(configPath)
	if err != nil {
		return err
	}
	if model == "" {
		model = cfg.Runtime.Model
	}
	if model == "" {
		return errors.New("model name required (argument or runtime.model)")
	}
	client := c.pullClient
	if client == nil {
		client = &modelrt.Client{BaseURL: cfg.Runtime.BaseURL}
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return client.Pull(ctx, model, func(p modelrt.PullProgress) {
		if p.Progress != nil {
			_, _ = fmt.Fprintf(c.out, "%s %.1f%%\n", p.Status, *p.Progress)
			return
		}
		_, _ = fmt.Fprintln(c.out, p.Status)
	})
}

func (c *command) ctlClient(configPath string, f CtlFlags) (*client.Client, error) {
	cfg, log, err := c.readConfig(configPath)
	if err != nil {
		return nil, err
	}
	base := f.URL
	if base == "" {
		base = "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	token := firstNonEmpty(f.Token, os.Getenv(session.EnvName))
	if token == "" {
		return nil, fmt.Errorf("session token required (--token or %s)", session.EnvName)
	}
	// A restart waits for a full stop and readiness cycle.
	timeout := cfg.Backend.StopWait + cfg.Health.Timeout + 5*time.Second
	return client.New(client.Config{BaseURL: base, Token: token, Timeout: timeout, Logger: log}), nil
}

// CtlStatus prints the status snapshot of a running supervisor.
func (c *command) CtlStatus(ctx context.Context, configPath string, f CtlFlags) error {
	cl, err := c.ctlClient(configPath, f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if b := st.Backend; b != nil {
		_, _ = fmt.Fprintf(c.out, "backend   %-9s pid=%d mode=%s\n", b.State, b.PID, b.Mode)
		if b.LastError != "" {
			_, _ = fmt.Fprintf(c.out, "          last error: %s\n", b.LastError)
		}
	}
	if r := st.Resources; r != nil {
		_, _ = fmt.Fprintf(c.out, "resources cpu=%.1f%% mem=%.1fMB\n", r.CPUPercent, r.MemoryMB)
	}
	_, _ = fmt.Fprintf(c.out, "bridge    ready=%t\n", st.BridgeReady)
	if rt := st.Runtime; rt != nil {
		_, _ = fmt.Fprintf(c.out, "runtime   running=%t models=%d\n", rt.Running, len(rt.Models))
	}
	return nil
}

// CtlHistory prints recent lifecycle events, newest first.
func (c *command) CtlHistory(ctx context.Context, configPath string, f CtlFlags) error {
	cl, err := c.ctlClient(configPath, f)
	if err != nil {
		return err
	}
	events, err := cl.History(ctx, client.HistoryQuery{Name: f.Name, Limit: f.Limit})
	if err != nil {
		return err
	}
	for _, e := range events {
		_, _ = fmt.Fprintf(c.out, "%s  %-18s %s pid=%d exit=%d\n", e.OccurredAt.Format(time.RFC3339), e.Type, e.Record.Name, e.Record.PID, e.Record.ExitCode)
	}
	return nil
}

// CtlRestart restarts the backend of a running supervisor.
func (c *command) CtlRestart(ctx context.Context, configPath string, f CtlFlags) error {
	cl, err := c.ctlClient(configPath, f)
	if err != nil {
		return err
	}
	if err := cl.RestartBackend(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "backend restarted")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
