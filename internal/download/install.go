package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/thinkd/internal/metrics"
)

const (
	DefaultAppsDir    = "/Applications"
	DefaultBinaryName = "ollama"
)

// DefaultSetupArgs run an Inno Setup installer without any UI.
var DefaultSetupArgs = []string{"/VERYSILENT", "/NORESTART", "/SUPPRESSMSGBOXES"}

// ErrUnsupportedPlatform is returned by Install when Plan has no steps for the OS.
var ErrUnsupportedPlatform = errors.New("no install plan for platform")

// StepError identifies which install step failed. Index is zero based.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("install step %d (%s): %v", e.Index+1, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Step is one named unit of an install sequence.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// CommandRunner runs an external program to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec and folds their output into errors.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(tail(out, 512)))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
		}
		return fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

func (m *Manager) runner() CommandRunner {
	if m.Runner != nil {
		return m.Runner
	}
	return ExecRunner{}
}

func (m *Manager) binaryName() string {
	if m.BinaryName != "" {
		return m.BinaryName
	}
	return DefaultBinaryName
}

// install holds state shared between the steps of one plan.
type install struct {
	artifact string
	work     string
	found    string
	dest     string
}

// Plan returns the install steps for goos. It returns nil for unknown systems.
// Steps must run in order; later steps use what earlier ones produced.
func (m *Manager) Plan(goos, artifact string) []Step {
	_, steps := m.plan(goos, artifact)
	return steps
}

func (m *Manager) plan(goos, artifact string) (*install, []Step) {
	in := &install{artifact: artifact}
	switch goos {
	case "darwin":
		return in, m.darwinPlan(in)
	case "linux":
		return in, m.linuxPlan(in)
	case "windows":
		return in, m.windowsPlan(in)
	}
	return in, nil
}

func (m *Manager) darwinPlan(in *install) []Step {
	apps := m.AppsDir
	if apps == "" {
		apps = DefaultAppsDir
	}
	return []Step{
		{Name: "unpack", Run: func(ctx context.Context) error {
			if err := in.mkwork(); err != nil {
				return err
			}
			if err := extractZip(ctx, in.artifact, in.work); err != nil {
				return err
			}
			app, err := findBundle(in.work)
			if err != nil {
				return err
			}
			in.found = app
			return nil
		}},
		{Name: "strip-quarantine", Run: func(ctx context.Context) error {
			return m.runner().Run(ctx, "xattr", "-dr", "com.apple.quarantine", in.found)
		}},
		{Name: "copy", Run: func(ctx context.Context) error {
			in.dest = filepath.Join(apps, filepath.Base(in.found))
			if err := os.RemoveAll(in.dest); err != nil {
				return err
			}
			return copyDir(in.found, in.dest)
		}},
		{Name: "launch", Run: func(ctx context.Context) error {
			return m.runner().Run(ctx, "open", "-a", in.dest)
		}},
	}
}

func (m *Manager) linuxPlan(in *install) []Step {
	name := m.binaryName()
	return []Step{
		{Name: "unpack", Run: func(ctx context.Context) error {
			if detectArchiveFormat(in.artifact) != formatTarGz {
				in.found = in.artifact
				return nil
			}
			if err := in.mkwork(); err != nil {
				return err
			}
			if err := extractTarGz(ctx, in.artifact, in.work); err != nil {
				return err
			}
			bin, err := findFile(in.work, name)
			if err != nil {
				return err
			}
			in.found = bin
			return nil
		}},
		{Name: "chmod", Run: func(context.Context) error {
			return os.Chmod(in.found, 0o755)
		}},
		{Name: "copy", Run: func(context.Context) error {
			if m.Home == "" {
				return errors.New("home directory not set")
			}
			in.dest = filepath.Join(m.Home, ".local", "bin", name)
			if err := os.MkdirAll(filepath.Dir(in.dest), 0o755); err != nil {
				return err
			}
			return copyFile(in.found, in.dest, 0o755)
		}},
		{Name: "verify", Run: func(ctx context.Context) error {
			return m.runner().Run(ctx, in.dest, "--version")
		}},
	}
}

func (m *Manager) windowsPlan(in *install) []Step {
	args := m.SetupArgs
	if args == nil {
		args = DefaultSetupArgs
	}
	return []Step{
		{Name: "setup", Run: func(ctx context.Context) error {
			return m.runner().Run(ctx, in.artifact, args...)
		}},
	}
}

func (in *install) mkwork() error {
	dir, err := os.MkdirTemp(filepath.Dir(in.artifact), ".install-*")
	if err != nil {
		return err
	}
	in.work = dir
	return nil
}

func (in *install) cleanup() {
	if in.work != "" {
		_ = os.RemoveAll(in.work)
	}
}

// Install runs the plan for the current OS against artifact. Progress is
// emitted with each step's name before it runs and StageInstalled at the end.
func (m *Manager) Install(ctx context.Context, artifact string, onProgress func(Progress)) error {
	return m.InstallFor(ctx, runtime.GOOS, artifact, onProgress)
}

// InstallFor is Install with an explicit target OS.
func (m *Manager) InstallFor(ctx context.Context, goos, artifact string, onProgress func(Progress)) error {
	in, plan := m.plan(goos, artifact)
	if len(plan) == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
	defer in.cleanup()

	log := m.logger().With("artifact", artifact, "os", goos)
	for i, step := range plan {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Name: step.Name, Err: err}
		}
		m.emit(Progress{Progress: i * 100 / len(plan), Stage: step.Name}, onProgress)
		log.Info("install step", "index", i+1, "step", step.Name)
		err := step.Run(ctx)
		metrics.IncInstallStep(step.Name, err == nil)
		if err != nil {
			log.Error("install step failed", "index", i+1, "step", step.Name, "error", err)
			return &StepError{Index: i, Name: step.Name, Err: err}
		}
	}
	m.emit(Progress{Progress: 100, Stage: StageInstalled}, onProgress)
	return nil
}

func findBundle(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no .app bundle in archive")
}

func findFile(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in archive", name)
	}
	return found, nil
}
