package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func envMap(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\n\nB = two\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	m := envMap(pairs)
	if m["A"] != "1" || m["B"] != "two" || len(m) != 2 {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestGlobalEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("THINKD_TEST_OS_ONLY", "osv")
	t.Setenv("THINKD_TEST_SHARED", "from-os")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\nTHINKD_TEST_SHARED=from-file\nTOP=from-file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	cfg := &Config{UseOSEnv: true, EnvFiles: []string{dotenv}, Env: []string{"TOP=tv"}}
	pairs, err := cfg.GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	m := envMap(pairs)
	if m["THINKD_TEST_OS_ONLY"] != "osv" {
		t.Fatalf("os env missing: %+v", m["THINKD_TEST_OS_ONLY"])
	}
	if m["THINKD_TEST_SHARED"] != "from-file" {
		t.Fatalf("env file should override os env, got %q", m["THINKD_TEST_SHARED"])
	}
	if m["FILE_ONLY"] != "fv" || m["TOP"] != "tv" {
		t.Fatalf("unexpected merge: FILE_ONLY=%q TOP=%q", m["FILE_ONLY"], m["TOP"])
	}
}

func TestGlobalEnvWithoutOS(t *testing.T) {
	t.Setenv("THINKD_TEST_HIDDEN", "x")
	pairs, err := (&Config{Env: []string{"ONLY=1"}}).GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	if len(pairs) != 1 || pairs[0] != "ONLY=1" {
		t.Fatalf("unexpected env: %v", pairs)
	}
}

func TestGlobalEnvMissingFile(t *testing.T) {
	_, err := (&Config{EnvFiles: []string{filepath.Join(t.TempDir(), "nope.env")}}).GlobalEnv()
	if err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
