// Package manifest publishes the native messaging host registration for every
// supported browser on the current platform.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/thinkd/internal/metrics"
)

const (
	ServiceName        = "com.think.native"
	DefaultDescription = "Think native messaging host"
)

// ErrHelperMissing is returned when the helper executable does not exist.
var ErrHelperMissing = errors.New("native helper not found")

// ErrNothingRegistered is returned when every target failed.
var ErrNothingRegistered = errors.New("no browser registration succeeded")

// Kind selects which identity field a browser reads.
type Kind int

const (
	Chromium Kind = iota // allowed_origins
	Gecko                // allowed_extensions
)

// Manifest is the JSON document a browser reads to find the helper.
type Manifest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Path              string   `json:"path"`
	Type              string   `json:"type"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
}

// Target is one place a browser looks for registrations.
type Target struct {
	Browser string
	Kind    Kind
	// File is the manifest path.
	File string
	// RegistryKey is set on windows: the HKCU subkey whose default value
	// points at File.
	RegistryKey string
}

// Platform abstracts where and how registrations are stored.
type Platform interface {
	LocateTargets() []Target
	WriteRegistration(Target, Manifest) error
	RemoveRegistration(Target) error
}

// ChromeOrigin converts an extension id into the origin Chromium expects.
func ChromeOrigin(id string) string {
	if strings.HasPrefix(id, "chrome-extension://") {
		return id
	}
	return "chrome-extension://" + id + "/"
}

// TargetResult records the outcome for one target.
type TargetResult struct {
	Browser string
	Path    string
	Err     error
}

// Report tallies a Register or Unregister run.
type Report struct {
	Installed int
	Failed    int
	Results   []TargetResult
}

// Registrar writes and removes registrations through a Platform.
type Registrar struct {
	Platform    Platform
	Name        string
	Description string
	Logger      *slog.Logger
}

func (r *Registrar) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Registrar) name() string {
	if r.Name != "" {
		return r.Name
	}
	return ServiceName
}

func (r *Registrar) manifestFor(t Target, helperPath string, chromeIDs, firefoxIDs []string) Manifest {
	desc := r.Description
	if desc == "" {
		desc = DefaultDescription
	}
	m := Manifest{Name: r.name(), Description: desc, Path: helperPath, Type: "stdio"}
	switch t.Kind {
	case Gecko:
		m.AllowedExtensions = append([]string{}, firefoxIDs...)
	default:
		m.AllowedOrigins = make([]string, 0, len(chromeIDs))
		for _, id := range chromeIDs {
			m.AllowedOrigins = append(m.AllowedOrigins, ChromeOrigin(id))
		}
	}
	return m
}

// Register points every browser at helperPath. One target failing does not
// stop the others; an error is returned only when the helper is missing or
// nothing could be registered.
func (r *Registrar) Register(helperPath string, chromeIDs, firefoxIDs []string) (Report, error) {
	var rep Report
	abs, err := filepath.Abs(helperPath)
	if err != nil {
		return rep, err
	}
	if _, err := os.Stat(abs); err != nil {
		return rep, fmt.Errorf("%w: %s", ErrHelperMissing, abs)
	}
	if _, win := r.Platform.(*windowsPlatform); !win {
		if err := os.Chmod(abs, 0o755); err != nil {
			return rep, fmt.Errorf("chmod helper: %w", err)
		}
	}

	targets := r.Platform.LocateTargets()
	for _, t := range targets {
		err := r.Platform.WriteRegistration(t, r.manifestFor(t, abs, chromeIDs, firefoxIDs))
		metrics.IncManifestWrite(t.Browser, err == nil)
		rep.Results = append(rep.Results, TargetResult{Browser: t.Browser, Path: t.File, Err: err})
		if err != nil {
			rep.Failed++
			r.logger().Warn("manifest registration failed", "browser", t.Browser, "path", t.File, "error", err)
			continue
		}
		rep.Installed++
		r.logger().Debug("manifest registered", "browser", t.Browser, "path", t.File)
	}
	r.logger().Info("native host registration", "installed", rep.Installed, "failed", rep.Failed)
	if rep.Installed == 0 && len(targets) > 0 {
		return rep, ErrNothingRegistered
	}
	return rep, nil
}

// Unregister removes every registration. Missing artifacts count as removed.
func (r *Registrar) Unregister() Report {
	var rep Report
	for _, t := range r.Platform.LocateTargets() {
		err := r.Platform.RemoveRegistration(t)
		rep.Results = append(rep.Results, TargetResult{Browser: t.Browser, Path: t.File, Err: err})
		if err != nil {
			rep.Failed++
			r.logger().Warn("manifest removal failed", "browser", t.Browser, "path", t.File, "error", err)
			continue
		}
		rep.Installed++
	}
	return rep
}

// writeManifestFile writes m to path through a temporary sibling.
func writeManifestFile(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
