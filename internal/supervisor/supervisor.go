package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/thinkd/internal/env"
	"github.com/loykin/thinkd/internal/event"
	"github.com/loykin/thinkd/internal/history"
	"github.com/loykin/thinkd/internal/metrics"
	"github.com/loykin/thinkd/internal/process"
	"github.com/loykin/thinkd/internal/session"
)

const defaultStopWait = 5 * time.Second

// Options carries the collaborators a Supervisor needs.
type Options struct {
	Logger  *slog.Logger
	Session *session.Session // token injected as TokenEnv; nil injects nothing
	// TokenEnv names the variable carrying the token (default THINK_APP_TOKEN).
	TokenEnv string
	// Vars are configured variables layered over the base environment.
	Vars map[string]string
	// BaseEnv replaces the OS environment as the base when non-nil.
	BaseEnv []string
	History history.Sink
}

// Supervisor owns one child process at a time and drives it through
// Stopped -> Starting -> Running -> Stopping -> Stopped, with Crashed as the
// observation of an abnormal exit.
//
// All state changes happen on a single goroutine fed by cmdChan. Events are
// delivered in order on a separate goroutine, so subscribers may call back
// into the Supervisor.
type Supervisor struct {
	spec Spec
	opts Options
	log  *slog.Logger
	env  *env.Env

	mu      sync.RWMutex
	state   State
	proc    *process.Process
	mode    string
	status  process.Status
	lastErr string

	cmdChan   chan command
	doneChan  chan struct{}
	events    chan Event
	eventDone chan struct{}
	listeners event.Listeners[Event]
	shutdown  sync.Once
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionExited
	actionShutdown
)

type command struct {
	action commandAction
	wait   time.Duration
	proc   *process.Process
	reply  chan error
}

// New creates a Supervisor and starts its state machine goroutine.
func New(spec Spec, opts Options) *Supervisor {
	if opts.TokenEnv == "" {
		opts.TokenEnv = session.EnvName
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("process", spec.Name))

	e := env.New()
	if opts.BaseEnv != nil {
		e.FromList(opts.BaseEnv)
	}
	for k, v := range opts.Vars {
		e.Set(k, v)
	}
	if opts.Session != nil {
		e.SetSecret(opts.TokenEnv, opts.Session.Token())
	}

	s := &Supervisor{
		spec:      spec,
		opts:      opts,
		log:       log,
		env:       e,
		state:     StateStopped,
		cmdChan:   make(chan command, 16),
		doneChan:  make(chan struct{}),
		events:    make(chan Event, 64),
		eventDone: make(chan struct{}),
	}
	go s.runStateMachine()
	go s.dispatch()
	return s
}

func (s *Supervisor) Name() string { return s.spec.Name }

// Subscribe registers fn for lifecycle events. The returned func removes it.
func (s *Supervisor) Subscribe(fn func(Event)) func() { return s.listeners.Subscribe(fn) }

// Start launches the child and returns once the OS reports the spawn.
// Readiness is observed separately.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, command{action: actionStart})
}

// Stop terminates the child, escalating to kill after wait (spec StopWait
// when wait <= 0). It is a no-op when nothing runs.
func (s *Supervisor) Stop(wait time.Duration) error {
	return s.send(context.Background(), command{action: actionStop, wait: wait})
}

// Shutdown stops the child and ends the state machine. Later calls return nil.
func (s *Supervisor) Shutdown() error {
	var err error
	s.shutdown.Do(func() {
		err = s.send(context.Background(), command{action: actionShutdown})
		<-s.eventDone
	})
	return err
}

func (s *Supervisor) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmdChan <- c:
	case <-s.doneChan:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.doneChan:
		// Shutdown answers before closing doneChan.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{Name: s.spec.Name, State: s.state, Mode: s.mode, LastError: s.lastErr}
	proc := s.proc
	last := s.status
	s.mu.RUnlock()

	if proc != nil {
		last = proc.Snapshot()
	}
	if last.PID > 0 {
		st.PID = last.PID
		st.StartedAt = last.StartedAt
		st.StoppedAt = last.StoppedAt
		st.ExitCode = last.ExitCode
		st.DroppedLines = last.DroppedLines
	}
	return st
}

func (s *Supervisor) runStateMachine() {
	defer close(s.doneChan)
	for c := range s.cmdChan {
		var err error
		switch c.action {
		case actionStart:
			err = s.handleStart()
		case actionStop:
			err = s.handleStop(c.wait)
		case actionExited:
			s.handleExited(c.proc)
		case actionShutdown:
			err = s.handleStop(0)
			close(s.events)
			c.reply <- err
			return
		}
		if c.reply != nil {
			c.reply <- err
		}
	}
}

func (s *Supervisor) handleStart() error {
	switch s.State() {
	case StateRunning, StateStarting:
		return ErrAlreadyRunning
	case StateStopping:
		return errors.New("stop in progress")
	}
	s.setState(StateStarting)

	pspec, mode, err := s.resolve()
	if err != nil {
		return s.failStart(&StartupError{Name: s.spec.Name, Err: err})
	}
	if pid, err := process.KillOrphan(s.spec.PIDFile, s.stopWait()); err != nil {
		s.log.Warn("orphan cleanup failed", slog.Int("pid", pid), slog.Any("error", err))
	} else if pid > 0 {
		s.log.Info("terminated orphan from previous run", slog.Int("pid", pid))
	}

	proc := process.New(pspec, s.log)
	if err := proc.Start(s.env.Merge(pspec.Env)); err != nil {
		path := pspec.Command
		return s.failStart(&StartupError{Name: s.spec.Name, Path: path, Err: err})
	}

	s.mu.Lock()
	s.proc = proc
	s.mode = mode
	s.lastErr = ""
	s.mu.Unlock()
	s.setState(StateRunning)

	pid := proc.PID()
	s.log.Info("started", slog.String("mode", mode), slog.Int("pid", pid))
	metrics.IncStart(s.spec.Name)
	s.emit(Event{Kind: EventStarted, PID: pid})

	go func() {
		<-proc.Done()
		select {
		case s.cmdChan <- command{action: actionExited, proc: proc}:
		case <-s.doneChan:
		}
	}()
	return nil
}

func (s *Supervisor) failStart(err *StartupError) error {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.setState(StateStopped)
	s.log.Error("startup failed", slog.Any("error", err))
	metrics.IncStartFailure(s.spec.Name)
	s.emit(Event{Kind: EventStartupFailed, Err: err})
	return err
}

// resolve picks the production artifact when it exists on disk, else the dev command.
func (s *Supervisor) resolve() (process.Spec, string, error) {
	base := process.Spec{
		Name:        s.spec.Name,
		Env:         s.spec.Env,
		PIDFile:     s.spec.PIDFile,
		OutputQueue: s.spec.OutputQueue,
		Log:         s.spec.Log,
	}
	if s.spec.ProdPath != "" {
		if fi, err := os.Stat(s.spec.ProdPath); err == nil && !fi.IsDir() {
			base.Command = s.spec.ProdPath
			base.Args = s.spec.ProdArgs
			base.Exec = true
			return base, "prod", nil
		}
	}
	if s.spec.DevCommand != "" {
		base.Command = s.spec.DevCommand
		base.WorkDir = s.spec.DevWorkDir
		return base, "dev", nil
	}
	return process.Spec{}, "", ErrNoLaunchTarget
}

func (s *Supervisor) handleStop(wait time.Duration) error {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc == nil || s.State() != StateRunning {
		return nil
	}
	if wait <= 0 {
		wait = s.stopWait()
	}
	s.setState(StateStopping)
	err := proc.Stop(wait)
	s.finishExit(proc, true)
	return err
}

// handleExited runs when a child exits on its own.
func (s *Supervisor) handleExited(proc *process.Process) {
	s.mu.RLock()
	current := s.proc
	s.mu.RUnlock()
	if proc != current {
		return // already accounted for by Stop
	}
	s.finishExit(proc, false)
}

func (s *Supervisor) finishExit(proc *process.Process, requested bool) {
	st := proc.Snapshot()
	s.mu.Lock()
	s.proc = nil
	s.status = st
	s.mu.Unlock()

	ev := Event{PID: st.PID, ExitCode: st.ExitCode, Err: st.ExitErr}
	if requested || st.ExitCode == 0 {
		s.setState(StateStopped)
		ev.Kind = EventStopped
		ev.Err = nil
		s.log.Info("stopped", slog.Int("pid", st.PID), slog.Int("exit_code", st.ExitCode))
		metrics.IncStop(s.spec.Name)
	} else {
		s.mu.Lock()
		if st.ExitErr != nil {
			s.lastErr = st.ExitErr.Error()
		}
		s.mu.Unlock()
		s.setState(StateCrashed)
		ev.Kind = EventCrashed
		s.log.Error("crashed", slog.Int("pid", st.PID), slog.Int("exit_code", st.ExitCode), slog.Any("error", st.ExitErr))
		metrics.IncCrash(s.spec.Name)
	}
	s.emit(ev)
}

func (s *Supervisor) stopWait() time.Duration {
	if s.spec.StopWait > 0 {
		return s.spec.StopWait
	}
	return defaultStopWait
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	metrics.SetCurrentState(s.spec.Name, st.String(), allStates)
}

func (s *Supervisor) emit(e Event) {
	e.Name = s.spec.Name
	e.At = time.Now()
	s.events <- e
}

// dispatch delivers events to history and subscribers in order.
func (s *Supervisor) dispatch() {
	defer close(s.eventDone)
	for e := range s.events {
		if s.opts.History != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.opts.History.Send(ctx, toHistory(e)); err != nil {
				s.log.Warn("history sink failed", slog.Any("error", err))
			}
			cancel()
		}
		s.listeners.Emit(e)
	}
}

func toHistory(e Event) history.Event {
	rec := history.Record{Name: e.Name, PID: e.PID, ExitCode: e.ExitCode}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	var t history.EventType
	switch e.Kind {
	case EventStartupFailed:
		t = history.EventStartupFailed
	case EventStarted:
		t = history.EventStarted
	case EventCrashed:
		t = history.EventCrashed
	default:
		t = history.EventStopped
	}
	return history.Event{Type: t, OccurredAt: e.At.UTC(), Record: rec}
}
