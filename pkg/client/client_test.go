package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/thinkd/internal/auth"
	"github.com/loykin/thinkd/internal/history"
	"github.com/loykin/thinkd/internal/server"
	"github.com/loykin/thinkd/internal/session"
	"github.com/loykin/thinkd/internal/supervisor"
)

type fakeBackend struct{ restarts int }

func (f *fakeBackend) Status() supervisor.Status {
	return supervisor.Status{Name: "backend", State: supervisor.StateRunning, Mode: "dev", PID: os.Getpid()}
}

func (f *fakeBackend) Restart(context.Context) error {
	f.restarts++
	return nil
}

type fakeReader struct{ gotName string }

func (f *fakeReader) Recent(_ context.Context, name string, limit int) ([]history.Event, error) {
	f.gotName = name
	return []history.Event{
		{Type: history.EventReady, OccurredAt: time.Now().UTC(), Record: history.Record{Name: "backend", PID: 42}},
		{Type: history.EventStarted, OccurredAt: time.Now().UTC(), Record: history.Record{Name: "backend", PID: 42}},
	}[:limit], nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Session, *fakeBackend, *fakeReader) {
	t.Helper()
	sess, err := session.New()
	require.NoError(t, err)
	fb := &fakeBackend{}
	fr := &fakeReader{}
	r := server.NewRouter(server.Deps{Backend: fb, History: fr, Auth: auth.NewMiddleware(sess)}, "/api")
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return srv, sess, fb, fr
}

func TestStatus(t *testing.T) {
	srv, sess, _, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api", Token: sess.Token()})

	assert.True(t, c.IsReachable(context.Background()))
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Backend)
	assert.Equal(t, "running", st.Backend.State)
	assert.Equal(t, os.Getpid(), st.Backend.PID)
	assert.Nil(t, st.Runtime)
}

func TestWrongTokenRejected(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api", Token: "wrong"})

	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "authentication_failed", apiErr.Message)
}

func TestHistory(t *testing.T) {
	srv, sess, _, fr := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api", Token: sess.Token()})

	events, err := c.History(context.Background(), HistoryQuery{Name: "backend", Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ready", events[0].Type)
	assert.Equal(t, 42, events[0].Record.PID)
	assert.Equal(t, "backend", fr.gotName)
}

func TestRestartBackend(t *testing.T) {
	srv, sess, fb, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api", Token: sess.Token()})

	require.NoError(t, c.RestartBackend(context.Background()))
	assert.Equal(t, 1, fb.restarts)
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
