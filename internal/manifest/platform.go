package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type browserDir struct {
	name string
	kind Kind
	dir  string
}

// ForOS returns the Platform for goos rooted at the user's home directory.
func ForOS(goos, home string) Platform {
	switch goos {
	case "darwin":
		base := filepath.Join(home, "Library", "Application Support")
		return newFilePlatform([]browserDir{
			{"chrome", Chromium, filepath.Join(base, "Google", "Chrome", "NativeMessagingHosts")},
			{"chromium", Chromium, filepath.Join(base, "Chromium", "NativeMessagingHosts")},
			{"brave", Chromium, filepath.Join(base, "BraveSoftware", "Brave-Browser", "NativeMessagingHosts")},
			{"edge", Chromium, filepath.Join(base, "Microsoft Edge", "NativeMessagingHosts")},
			{"firefox", Gecko, filepath.Join(base, "Mozilla", "NativeMessagingHosts")},
		})
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			local = filepath.Join(home, "AppData", "Local")
		}
		return newWindowsPlatform(filepath.Join(local, "Think", "NativeMessagingHosts"))
	default:
		cfg := filepath.Join(home, ".config")
		return newFilePlatform([]browserDir{
			{"chrome", Chromium, filepath.Join(cfg, "google-chrome", "NativeMessagingHosts")},
			{"chromium", Chromium, filepath.Join(cfg, "chromium", "NativeMessagingHosts")},
			{"brave", Chromium, filepath.Join(cfg, "BraveSoftware", "Brave-Browser", "NativeMessagingHosts")},
			{"edge", Chromium, filepath.Join(cfg, "microsoft-edge", "NativeMessagingHosts")},
			{"firefox", Gecko, filepath.Join(home, ".mozilla", "native-messaging-hosts")},
		})
	}
}

// filePlatform stores one <name>.json per browser directory.
type filePlatform struct {
	name    string
	targets []browserDir
}

func newFilePlatform(dirs []browserDir) *filePlatform {
	return &filePlatform{name: ServiceName, targets: dirs}
}

func (p *filePlatform) LocateTargets() []Target {
	out := make([]Target, 0, len(p.targets))
	for _, b := range p.targets {
		out = append(out, Target{Browser: b.name, Kind: b.kind, File: filepath.Join(b.dir, p.name+".json")})
	}
	return out
}

func (p *filePlatform) WriteRegistration(t Target, m Manifest) error {
	return writeManifestFile(t.File, m)
}

func (p *filePlatform) RemoveRegistration(t Target) error {
	return removeFile(t.File)
}

// regRunner runs reg.exe; replaced in tests.
type regRunner func(ctx context.Context, args ...string) error

func runRegExe(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, "reg", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reg %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// registryStore is the direct registry API used when reg.exe fails.
type registryStore interface {
	SetDefault(key, value string) error
	DeleteKey(key string) error
}

var errRegistryUnavailable = errors.New("registry not available on this platform")

// windowsPlatform writes manifest files under dir and points the per-browser
// HKCU key at them.
type windowsPlatform struct {
	name     string
	dir      string
	reg      regRunner
	fallback registryStore
}

func newWindowsPlatform(dir string) *windowsPlatform {
	return &windowsPlatform{name: ServiceName, dir: dir, reg: runRegExe, fallback: nativeRegistry{}}
}

var windowsBrowsers = []struct {
	name string
	kind Kind
	key  string
}{
	{"chrome", Chromium, `Software\Google\Chrome\NativeMessagingHosts`},
	{"chromium", Chromium, `Software\Chromium\NativeMessagingHosts`},
	{"brave", Chromium, `Software\BraveSoftware\Brave-Browser\NativeMessagingHosts`},
	{"edge", Chromium, `Software\Microsoft\Edge\NativeMessagingHosts`},
	{"firefox", Gecko, `Software\Mozilla\NativeMessagingHosts`},
}

func (p *windowsPlatform) LocateTargets() []Target {
	out := make([]Target, 0, len(windowsBrowsers))
	for _, b := range windowsBrowsers {
		out = append(out, Target{
			Browser:     b.name,
			Kind:        b.kind,
			File:        filepath.Join(p.dir, b.name, p.name+".json"),
			RegistryKey: b.key + `\` + p.name,
		})
	}
	return out
}

func (p *windowsPlatform) WriteRegistration(t Target, m Manifest) error {
	if err := writeManifestFile(t.File, m); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	regErr := p.reg(ctx, "add", `HKCU\`+t.RegistryKey, "/ve", "/t", "REG_SZ", "/d", t.File, "/f")
	if regErr == nil {
		return nil
	}
	if err := p.fallback.SetDefault(t.RegistryKey, t.File); err != nil {
		return fmt.Errorf("registry write failed: %w", errors.Join(regErr, err))
	}
	return nil
}

func (p *windowsPlatform) RemoveRegistration(t Target) error {
	fileErr := removeFile(t.File)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.reg(ctx, "delete", `HKCU\`+t.RegistryKey, "/f"); err != nil {
		if ferr := p.fallback.DeleteKey(t.RegistryKey); ferr != nil {
			return errors.Join(fileErr, ferr)
		}
	}
	return fileErr
}
