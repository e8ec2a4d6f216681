package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayHarness connects a Relay's stdio to in-memory pipes.
type relayHarness struct {
	toRelay   *io.PipeWriter
	fromRelay *io.PipeReader
	done      chan error
}

func startRelay(t *testing.T, r *Relay) *relayHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &relayHarness{toRelay: inW, fromRelay: outR, done: make(chan error, 1)}
	go func() {
		err := r.Serve(context.Background(), inR, outW)
		_ = outW.Close()
		h.done <- err
	}()
	t.Cleanup(func() { _ = inW.Close(); _ = outR.Close() })
	return h
}

func (h *relayHarness) call(t *testing.T, id, method string) Response {
	t.Helper()
	b, err := json.Marshal(Request{ID: id, Method: method, Params: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(h.toRelay, b))
	frame, err := ReadFrame(h.fromRelay)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(frame, &resp))
	return resp
}

func TestRelayForwardsAllowedMethods(t *testing.T) {
	gate := &ReadyGate{Next: echoMux()}
	gate.Open()
	_, ln := startServer(t, gate)
	client := NewClient(ClientOptions{Dialer: ln})
	defer func() { _ = client.Close() }()

	h := startRelay(t, &Relay{Client: client, Allowed: []string{"echo"}})
	resp := h.call(t, "ext-1", "echo")
	assert.Equal(t, "ext-1", resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"x":1}`, string(resp.Result))

	resp = h.call(t, "ext-2", "fail")
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code, "not allowlisted")

	_ = h.toRelay.Close()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop at EOF")
	}
}

func TestRelayRejectionDoesNotDial(t *testing.T) {
	var calls atomic.Int32
	client := NewClient(ClientOptions{Dialer: failingDialer(errHostNotFound, &calls)})
	h := startRelay(t, &Relay{Client: client, Allowed: []string{"memories.create"}})

	resp := h.call(t, "1", "settings.read")
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code)
	assert.Zero(t, calls.Load())

	resp = h.call(t, "2", "memories.create")
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCannotConnect, resp.Error.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRelayKeepsBridgeTimeout(t *testing.T) {
	app, dialer := newFakeApp()
	client := NewClient(ClientOptions{Dialer: dialer, Timeout: 80 * time.Millisecond})
	defer func() { _ = client.Close() }()
	h := startRelay(t, &Relay{Client: client, Allowed: []string{"chat.message"}})

	start := time.Now()
	resp := h.call(t, "c1", "chat.message")
	recvRequest(t, app)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTimeout, resp.Error.Code)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestToRPCError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&Error{Code: CodeAppNotReady, Message: "locked"}, CodeAppNotReady},
		{fmt.Errorf("%w: x", ErrTimeout), CodeTimeout},
		{&ConnectError{Err: &os.PathError{Op: "dial", Path: "/x", Err: os.ErrNotExist}}, CodeAppNotReady},
		{&ConnectError{Err: errHostNotFound}, CodeCannotConnect},
		{&DisconnectError{Err: io.EOF}, CodeConnectionLost},
		{errors.New("other"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ToRPCError(tc.err).Code, "%v", tc.err)
	}
	assert.True(t, IsConnectionError(&DisconnectError{Err: io.EOF}))
	assert.False(t, IsConnectionError(&Error{}))
}
