package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/thinkd"
	"github.com/loykin/thinkd/internal/auth"
	"github.com/loykin/thinkd/internal/server"
	"github.com/loykin/thinkd/internal/session"
	"github.com/loykin/thinkd/internal/supervisor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := buildRoot(newCommand(&buf))
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "thinkd.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "thinkd")
	for _, sub := range []string{"run", "register", "unregister", "runtime"} {
		assert.Contains(t, out, sub)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "run", "--config", writeConfig(t, "[bridge]\nenabled = false\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestRegisterAndUnregister(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("asserts linux manifest locations")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	helper := filepath.Join(t.TempDir(), "think-native-host")
	require.NoError(t, os.WriteFile(helper, []byte("#!/bin/sh\n"), 0o600))
	cfgPath := writeConfig(t, "[manifest]\nfirefox_ids = [\"think@example.com\"]\n")

	out, err := execute(t, "register", "--config", cfgPath, "--helper", helper, "--chrome-id", "abcdef")
	require.NoError(t, err, out)
	assert.Contains(t, out, "registered 5, failed 0")

	chrome := filepath.Join(home, ".config", "google-chrome", "NativeMessagingHosts", "com.think.native.json")
	b, err := os.ReadFile(chrome)
	require.NoError(t, err)
	assert.Contains(t, string(b), "chrome-extension://abcdef/")
	ff, err := os.ReadFile(filepath.Join(home, ".mozilla", "native-messaging-hosts", "com.think.native.json"))
	require.NoError(t, err)
	assert.Contains(t, string(ff), "think@example.com")

	out, err = execute(t, "unregister", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 5, failed 0")
	_, err = os.Stat(chrome)
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterRequiresIdentity(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	helper := filepath.Join(t.TempDir(), "think-native-host")
	require.NoError(t, os.WriteFile(helper, nil, 0o600))
	_, err := execute(t, "register", "--config", writeConfig(t, ""), "--helper", helper)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--chrome-id")
}

func TestRuntimePull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("{\"status\":\"pulling manifest\"}\n{\"status\":\"downloading\",\"total\":200,\"completed\":50}\n{\"status\":\"success\"}\n"))
	}))
	defer srv.Close()
	t.Setenv("HOME", t.TempDir())
	cfgPath := writeConfig(t, "[runtime]\nbase_url = \""+srv.URL+"\"\nmodel = \"llama3\"\n")

	out, err := execute(t, "runtime", "pull", "--config", cfgPath)
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "pulling manifest", lines[0])
	assert.Equal(t, "downloading 25.0%", lines[1])
	assert.Equal(t, "success", lines[2])
}

func TestRuntimePullRequiresModel(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "runtime", "pull", "--config", writeConfig(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model name required")
}

func TestRuntimeInstallRequiresURL(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	_, err := execute(t, "runtime", "install", "--config", writeConfig(t, "data_dir = \""+home+"\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download_url")
}

func TestEmitReady(t *testing.T) {
	var buf bytes.Buffer
	newCommand(&buf).emitReady(thinkd.Ready{BaseURL: "http://127.0.0.1:8765", Token: "abc123"})
	var got map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, map[string]string{"event": "ready", "base_url": "http://127.0.0.1:8765", "token": "abc123"}, got)
}

type ctlBackend struct{ restarted bool }

func (b *ctlBackend) Status() supervisor.Status {
	return supervisor.Status{Name: "backend", State: supervisor.StateStopped, Mode: "prod", LastError: "boom"}
}

func (b *ctlBackend) Restart(context.Context) error {
	b.restarted = true
	return nil
}

func TestCtlCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	sess, err := session.New()
	require.NoError(t, err)
	b := &ctlBackend{}
	srv := httptest.NewServer(server.NewRouter(server.Deps{Backend: b, Auth: auth.NewMiddleware(sess)}, "/api").Handler())
	defer srv.Close()
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "ctl", "status", "--config", cfgPath, "--url", srv.URL+"/api", "--token", sess.Token())
	require.NoError(t, err, out)
	assert.Contains(t, out, "backend   stopped")
	assert.Contains(t, out, "last error: boom")
	assert.Contains(t, out, "bridge    ready=false")

	t.Setenv(session.EnvName, sess.Token())
	out, err = execute(t, "ctl", "restart", "--config", cfgPath, "--url", srv.URL+"/api")
	require.NoError(t, err, out)
	assert.Contains(t, out, "backend restarted")
	assert.True(t, b.restarted)

	_, err = execute(t, "ctl", "history", "--config", cfgPath, "--url", srv.URL+"/api")
	require.Error(t, err, "no history reader configured")
}

func TestCtlRequiresToken(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(session.EnvName, "")
	_, err := execute(t, "ctl", "status", "--config", writeConfig(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), session.EnvName)
}
