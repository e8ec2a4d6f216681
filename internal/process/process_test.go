//go:build !windows

package process

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/thinkd/internal/detector"
	"github.com/loykin/thinkd/internal/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(w *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process did not exit within %s", d)
	}
}

func TestStartForwardsOutputAndExitCode(t *testing.T) {
	var out syncBuffer
	p := New(Spec{Name: "echo", Command: "sh -c 'echo hello; echo oops 1>&2; exit 3'"}, testLogger(&out))
	require.NoError(t, p.Start(nil))
	waitDone(t, p, 5*time.Second)

	code, err := p.Wait()
	assert.Equal(t, 3, code)
	assert.Error(t, err)
	logs := out.String()
	assert.Contains(t, logs, "msg=hello")
	assert.Contains(t, logs, "stream=stdout")
	assert.Contains(t, logs, "msg=oops")
	assert.Contains(t, logs, "stream=stderr")
	assert.False(t, p.Running())
}

func TestStartInjectsEnvironment(t *testing.T) {
	var out syncBuffer
	p := New(Spec{Name: "env", Command: `sh -c 'echo token=$THINK_APP_TOKEN'`}, testLogger(&out))
	require.NoError(t, p.Start([]string{"PATH=/usr/bin:/bin", "THINK_APP_TOKEN=abc123"}))
	waitDone(t, p, 5*time.Second)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "token=abc123")
}

func TestStartWritesOutputFiles(t *testing.T) {
	var out syncBuffer
	dir := filepath.Join(t.TempDir(), "logs", "nested")
	p := New(Spec{Name: "files", Command: "sh -c 'echo to-file'", Log: logger.Config{File: logger.FileConfig{Dir: dir}}}, testLogger(&out))
	require.NoError(t, p.Start(nil))
	waitDone(t, p, 5*time.Second)
	_, _ = p.Wait()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "files.stdout.log"))
		return err == nil && strings.Contains(string(b), "to-file")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartWarnsWhenLogDirUnusable(t *testing.T) {
	var out syncBuffer
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	spec := Spec{Name: "nolog", Command: "sh -c 'echo still-here'", Log: logger.Config{File: logger.FileConfig{Dir: filepath.Join(blocker, "logs")}}}
	p := New(spec, testLogger(&out))
	require.NoError(t, p.Start(nil))
	waitDone(t, p, 5*time.Second)
	_, _ = p.Wait()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "msg=still-here") }, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "child output files unavailable")
}

func TestStartMissingBinary(t *testing.T) {
	p := New(Spec{Name: "missing", Command: "/definitely/not/here"}, nil)
	err := p.Start(nil)
	require.Error(t, err)
	waitDone(t, p, time.Second)
	assert.Equal(t, 0, p.PID())
	assert.ErrorIs(t, p.Start(nil), ErrAlreadyStarted)
}

func TestStopEscalatesToKill(t *testing.T) {
	p := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; sleep 30'"}, nil)
	require.NoError(t, p.Start(nil))
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, p.Running())
	assert.Equal(t, -1, p.Snapshot().ExitCode)

	// idempotent
	require.NoError(t, p.Stop(100*time.Millisecond))
}

func TestStopGraceful(t *testing.T) {
	p := New(Spec{Name: "sleeper", Command: "sleep 30"}, nil)
	require.NoError(t, p.Start(nil))
	require.NoError(t, p.Stop(2*time.Second))
	waitDone(t, p, time.Second)
}

func TestStopBeforeStart(t *testing.T) {
	p := New(Spec{Name: "idle", Command: "sleep 1"}, nil)
	assert.NoError(t, p.Stop(10*time.Millisecond))
	assert.NoError(t, p.Terminate())
	assert.NoError(t, p.Kill())
}

func TestOutputDropsWhenQueueFull(t *testing.T) {
	blocked := make(chan struct{})
	var dropped = new(countingDrops)
	f := newForwarder("flood", "stdout", nil, blockingWriter{blocked}, 4, &dropped.n)
	lines := strings.Repeat("x\n", 200)
	f.run(strings.NewReader(lines))
	// The reader finishes even though the writer is stuck.
	require.Eventually(t, func() bool { return dropped.n.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	close(blocked)
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.GreaterOrEqual(t, dropped.n.Load(), uint64(200-4-1))
}

func TestProcessWritesLogFilesAndPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "run", "backend.pid")
	spec := Spec{
		Name:    "backend",
		Command: "sh -c 'echo to-file; sleep 0.3'",
		PIDFile: pidFile,
		Log:     logger.Config{File: logger.FileConfig{Dir: filepath.Join(dir, "logs")}},
	}
	p := New(spec, nil)
	require.NoError(t, p.Start(nil))

	pid, _, err := detector.ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pid)

	waitDone(t, p, 5*time.Second)
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "pid file should be removed on exit")

	b, err := os.ReadFile(filepath.Join(dir, "logs", "backend.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "to-file\n", string(b))
}

func TestKillOrphan(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "orphan.pid")
	orphan := New(Spec{Name: "orphan", Command: "sleep 30"}, nil)
	require.NoError(t, orphan.Start(nil))
	require.NoError(t, detector.WritePIDFile(pidFile, orphan.PID(), "orphan"))

	pid, err := KillOrphan(pidFile, time.Second)
	require.NoError(t, err)
	assert.Equal(t, orphan.PID(), pid)
	waitDone(t, orphan, 3*time.Second)
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	pid, err = KillOrphan(pidFile, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, pid)
}
