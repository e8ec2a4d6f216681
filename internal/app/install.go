package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/loykin/thinkd/internal/config"
	"github.com/loykin/thinkd/internal/download"
	"github.com/loykin/thinkd/internal/manifest"
)

// ErrNoDownloadURL is returned when runtime.download_url is unset.
var ErrNoDownloadURL = errors.New("runtime.download_url is not configured")

// RuntimeInstaller downloads the model runtime artifact into the data
// directory and installs it.
type RuntimeInstaller struct {
	URL     string
	Dir     string
	Manager *download.Manager
}

// NewRuntimeInstaller builds an installer from cfg.
func NewRuntimeInstaller(cfg *config.Config, log *slog.Logger) *RuntimeInstaller {
	home, _ := os.UserHomeDir()
	return &RuntimeInstaller{
		URL:     cfg.Runtime.DownloadURL,
		Dir:     filepath.Join(cfg.DataDir, "downloads"),
		Manager: &download.Manager{Home: home, Logger: log},
	}
}

// InstallRuntime fetches URL and runs the platform install steps, relaying
// progress as it happens.
func (r *RuntimeInstaller) InstallRuntime(ctx context.Context, onProgress func(download.Progress)) error {
	if r.URL == "" {
		return ErrNoDownloadURL
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("parse download url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "runtime-installer"
	}
	if err := os.MkdirAll(r.Dir, 0o700); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	dest := filepath.Join(r.Dir, name)
	if err := r.Manager.Fetch(ctx, r.URL, dest, onProgress); err != nil {
		return err
	}
	_ = os.Remove(dest)
	return nil
}

// NewRegistrar returns a Registrar for the current platform and user.
func NewRegistrar(log *slog.Logger) (*manifest.Registrar, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &manifest.Registrar{Platform: manifest.ForOS(runtime.GOOS, home), Logger: log}, nil
}

// HelperBinary is the native host executable name, without extension.
const HelperBinary = "think-native-host"

// DefaultHelperPath looks for the helper next to the running executable and
// returns "" when it is absent.
func DefaultHelperPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	name := HelperBinary
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	p := filepath.Join(filepath.Dir(exe), name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
