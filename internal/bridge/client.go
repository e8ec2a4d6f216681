package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/thinkd/internal/event"
	"github.com/loykin/thinkd/internal/metrics"
)

// DefaultRequestTimeout bounds each request independently of others.
const DefaultRequestTimeout = 30 * time.Second

// State is the client's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Dialer  Dialer
	Timeout time.Duration
	Logger  *slog.Logger
}

type result struct {
	resp Response
	err  error
}

// Client multiplexes concurrent requests over one connection, matching
// responses to callers by id. It reconnects only when a caller asks.
type Client struct {
	dialer  Dialer
	timeout time.Duration
	log     *slog.Logger

	mu         sync.Mutex
	state      State
	conn       net.Conn
	pending    map[string]chan result
	connecting chan struct{}
	connectErr error
	closed     bool

	wmu       sync.Mutex
	listeners event.Listeners[State]
}

// NewClient returns a disconnected client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		dialer:  opts.Dialer,
		timeout: opts.Timeout,
		log:     opts.Logger,
		pending: make(map[string]chan result),
	}
}

// Subscribe registers fn for state transitions.
func (c *Client) Subscribe(fn func(State)) func() {
	return c.listeners.Subscribe(fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect dials the app unless already connected. Concurrent callers share
// one dial attempt and its outcome.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		wait := c.connecting
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return &ConnectError{Err: ctx.Err()}
		}
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		if err != nil {
			return &ConnectError{Err: err}
		}
		return nil
	}
	c.state = Connecting
	c.connecting = make(chan struct{})
	done := c.connecting
	c.mu.Unlock()
	c.listeners.Emit(Connecting)

	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if err == nil && c.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	c.connectErr = err
	if err != nil {
		c.state = Disconnected
	} else {
		c.state = Connected
		c.conn = conn
		go c.readLoop(conn)
	}
	close(done)
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("bridge connect failed", "error", err)
		c.listeners.Emit(Disconnected)
		return &ConnectError{Err: err}
	}
	c.log.Debug("bridge connected")
	c.listeners.Emit(Connected)
	return nil
}

// Request sends method with params and waits for the correlated response,
// the request timeout, or ctx, whichever comes first. A structured error
// from the app is returned as *Error.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	if c.State() != Connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	ch := make(chan result, 1)
	c.mu.Lock()
	conn := c.conn
	if c.state != Connected || conn == nil {
		c.mu.Unlock()
		return nil, &DisconnectError{Err: net.ErrClosed}
	}
	c.pending[id] = ch
	metrics.SetBridgePending(len(c.pending))
	c.mu.Unlock()

	payload, err := json.Marshal(Request{ID: id, Method: method, Params: raw})
	if err != nil {
		c.take(id)
		return nil, err
	}
	// The timeout covers the write too: a peer that stops reading must not
	// hold this caller, or the ones queued behind wmu, past their deadlines.
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if err := WriteFrame(conn, payload); err != nil {
			c.drop(conn, err)
		}
	}()

	select {
	case r := <-ch:
		return c.finish(method, r)
	case <-timer.C:
		if c.take(id) {
			c.abandonWrite(conn, written, ErrTimeout)
			metrics.IncBridgeRequest(method, "timeout")
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)
		}
	case <-ctx.Done():
		if c.take(id) {
			c.abandonWrite(conn, written, ctx.Err())
			metrics.IncBridgeRequest(method, "cancelled")
			return nil, ctx.Err()
		}
	}
	// A result was delivered between expiry and removal.
	return c.finish(method, <-ch)
}

func (c *Client) finish(method string, r result) (json.RawMessage, error) {
	switch {
	case r.err != nil:
		metrics.IncBridgeRequest(method, "disconnected")
		return nil, r.err
	case r.resp.Error != nil:
		metrics.IncBridgeRequest(method, "error")
		return nil, r.resp.Error
	}
	metrics.IncBridgeRequest(method, "ok")
	return r.resp.Result, nil
}

// abandonWrite drops conn when the request frame is still being written.
// A half-written frame leaves the stream unusable.
func (c *Client) abandonWrite(conn net.Conn, written <-chan struct{}, cause error) {
	select {
	case <-written:
	default:
		c.drop(conn, cause)
	}
}

// take removes id from the pending table and reports whether it was there.
func (c *Client) take(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	metrics.SetBridgePending(len(c.pending))
	return true
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			c.drop(conn, err)
			return
		}
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			c.log.Warn("bridge: discarding malformed response", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			metrics.SetBridgePending(len(c.pending))
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("bridge: response for unknown id", "id", resp.ID)
			continue
		}
		ch <- result{resp: resp}
	}
}

// drop tears down conn and fails everything pending on it. Calls for a
// connection that was already replaced are ignored.
func (c *Client) drop(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	failed := c.pending
	c.pending = make(map[string]chan result)
	metrics.SetBridgePending(0)
	c.mu.Unlock()

	_ = conn.Close()
	derr := &DisconnectError{Err: cause}
	for _, ch := range failed {
		ch <- result{err: derr}
	}
	if len(failed) > 0 {
		c.log.Warn("bridge disconnected with pending requests", "pending", len(failed), "error", cause)
	} else {
		c.log.Debug("bridge disconnected", "error", cause)
	}
	c.listeners.Emit(Disconnected)
}

// Disconnect closes the current connection, failing pending requests.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.drop(conn, errLocalDisconnect)
}

// Close disconnects and rejects further use.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	return nil
}

// IsConnectionError reports whether err came from the channel rather than
// from the app.
func IsConnectionError(err error) bool {
	var ce *ConnectError
	var de *DisconnectError
	return errors.As(err, &ce) || errors.As(err, &de)
}
