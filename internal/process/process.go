package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/thinkd/internal/detector"
)

// killGrace bounds how long Stop waits for the exit after SIGKILL, and how
// long the exit path waits for output forwarders to flush.
const killGrace = 2 * time.Second

// ErrAlreadyStarted is returned by Start when the Process was already used.
var ErrAlreadyStarted = errors.New("process already started")

// Process owns one launch of a child: the *exec.Cmd, its output pipes and its
// exit state. A Process is started at most once.
type Process struct {
	spec Spec
	log  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	started  bool
	waitDone chan struct{} // closed after cmd.Wait returns and state is recorded
	closers  []io.Closer   // log files and lifetime handles released on exit
	dropped  atomic.Uint64
}

// New returns a Process for spec. Child output lines are logged through log,
// which may be nil.
func New(spec Spec, log *slog.Logger) *Process {
	return &Process{spec: spec, log: log, waitDone: make(chan struct{})}
}

func (r *Process) Spec() Spec { return r.spec }

// ConfigureCmd builds the *exec.Cmd for this process using mergedEnv and sets
// workdir, environment and process group attributes.
func (r *Process) ConfigureCmd(mergedEnv []string) (*exec.Cmd, error) {
	cmd, err := r.spec.BuildCommand()
	if err != nil {
		return nil, err
	}
	if r.spec.WorkDir != "" {
		cmd.Dir = r.spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}

// Start launches the child with mergedEnv and returns right after the OS
// reports the spawn. Output forwarding and exit observation run in the
// background; Done closes once the child has been reaped.
func (r *Process) Start(mergedEnv []string) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	cmd, err := r.ConfigureCmd(mergedEnv)
	if err != nil {
		r.finish(err, -1)
		return err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		r.finish(err, -1)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		r.finish(err, -1)
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		r.finish(err, -1)
		return err
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	// Output still reaches the slog logger when the files cannot be opened.
	fileOut, fileErr, err := r.spec.Log.ProcessWriters(r.spec.Name)
	if err != nil && r.log != nil {
		r.log.Warn("child output files unavailable", "process", r.spec.Name, "error", err)
	}
	size := r.spec.outputQueue()
	fo := newForwarder(r.spec.Name, "stdout", r.log, writerOrNil(fileOut), size, &r.dropped)
	fe := newForwarder(r.spec.Name, "stderr", r.log, writerOrNil(fileErr), size, &r.dropped)
	fo.run(outR)
	fe.run(errR)

	pid := cmd.Process.Pid
	r.mu.Lock()
	r.cmd = cmd
	r.status = Status{Name: r.spec.Name, Running: true, PID: pid, StartedAt: time.Now()}
	r.closers = append(r.closers, outR, errR)
	if fileOut != nil {
		r.closers = append(r.closers, fileOut)
	}
	if fileErr != nil {
		r.closers = append(r.closers, fileErr)
	}
	if c := bindLifetime(pid); c != nil {
		r.closers = append(r.closers, c)
	}
	r.mu.Unlock()

	if err := detector.WritePIDFile(r.spec.PIDFile, pid, r.spec.Name); err != nil && r.log != nil {
		r.log.Warn("write pid file failed", slog.String("path", r.spec.PIDFile), slog.Any("error", err))
	}

	go r.monitor(cmd, fo, fe)
	return nil
}

func (r *Process) monitor(cmd *exec.Cmd, fwd ...*forwarder) {
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	// Grandchildren may keep the pipes open; do not wait on them forever.
	deadline := time.After(killGrace)
	for _, f := range fwd {
		select {
		case <-f.done:
		case <-deadline:
		}
	}
	if r.spec.PIDFile != "" {
		_ = os.Remove(r.spec.PIDFile)
	}
	r.finish(err, code)
}

func (r *Process) finish(err error, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.waitDone:
		return
	default:
	}
	r.status.Name = r.spec.Name
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitCode = code
	r.status.ExitErr = err
	for _, c := range r.closers {
		_ = c.Close()
	}
	r.closers = nil
	close(r.waitDone)
}

// Done is closed once the child has exited and its state is recorded.
func (r *Process) Done() <-chan struct{} { return r.waitDone }

// Wait blocks until the child exits and returns its exit code and the error
// reported by the OS. A child killed by a signal has exit code -1.
func (r *Process) Wait() (int, error) {
	<-r.waitDone
	s := r.Snapshot()
	return s.ExitCode, s.ExitErr
}

// PID returns the child's PID, or 0 before a successful Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Running reports whether the child has been started and not yet reaped.
func (r *Process) Running() bool {
	select {
	case <-r.waitDone:
		return false
	default:
	}
	return r.PID() > 0
}

// Terminate asks the child's process group to exit.
func (r *Process) Terminate() error {
	if !r.Running() {
		return nil
	}
	return terminate(r.PID())
}

// Kill forcefully ends the child's process group.
func (r *Process) Kill() error {
	if !r.Running() {
		return nil
	}
	return kill(r.PID())
}

// Stop terminates the child, escalates to Kill after wait and waits for the
// exit to be observed. It is a no-op when nothing is running.
func (r *Process) Stop(wait time.Duration) error {
	if !r.Running() {
		return nil
	}
	if err := r.Terminate(); err != nil && r.log != nil {
		r.log.Warn("terminate failed", slog.Any("error", err))
	}
	select {
	case <-r.waitDone:
		return nil
	case <-time.After(wait):
	}
	if err := r.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", r.spec.Name, err)
	}
	select {
	case <-r.waitDone:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("%s did not exit after kill", r.spec.Name)
	}
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	s.Name = r.spec.Name
	s.DroppedLines = r.dropped.Load()
	return s
}

// KillOrphan ends a child left behind by an earlier unclean run, found via the
// PID file. It returns the orphan's PID, or 0 when there was none.
func KillOrphan(pidFile string, wait time.Duration) (int, error) {
	if pidFile == "" {
		return 0, nil
	}
	pid, err := detector.PIDFileDetector{PIDFile: pidFile}.PID()
	if err != nil || pid == 0 {
		_ = os.Remove(pidFile)
		return 0, err
	}
	_ = terminate(pid)
	alive := detector.PIDDetector{PID: pid}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if ok, _ := alive.Alive(); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ok, _ := alive.Alive(); ok {
		if err := kill(pid); err != nil {
			return pid, fmt.Errorf("kill orphan %d: %w", pid, err)
		}
	}
	_ = os.Remove(pidFile)
	return pid, nil
}

func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
