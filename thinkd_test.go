package thinkd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLoadConfigFacade(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "thinkd.toml")
	data := "[backend]\ndev_command = \"python -m think\"\n[bridge]\nenabled = false\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Backend.DevCommand != "python -m think" || c.Bridge.Enabled {
		t.Fatalf("unexpected config: %+v", c.Backend)
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRegisterMetricsFacade(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := RegisterMetrics(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetrics(r); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestErrorAliases(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), ErrReadinessTimeout)
	if !errors.Is(wrapped, ErrReadinessTimeout) {
		t.Fatalf("alias should match")
	}
}
