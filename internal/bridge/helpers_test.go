package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// pipeListener hands out the server ends of net.Pipe pairs.
type pipeListener struct {
	conns chan net.Conn
	once  sync.Once
	done  chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// Dial returns a client end whose peer is accepted by the listener.
func (l *pipeListener) Dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fakeApp is a scripted peer for Client tests. Each request is passed to
// handle, which may answer via reply at any time.
type fakeApp struct {
	conn  net.Conn
	wmu   sync.Mutex
	reqs  chan Request
	dials atomic.Int32
}

func (a *fakeApp) reply(t *testing.T, resp Response) {
	t.Helper()
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = WriteFrame(a.conn, b)
}

// dialer returns a Dialer that connects to a fresh fakeApp peer each time
// and publishes incoming requests on reqs.
func newFakeApp() (*fakeApp, Dialer) {
	a := &fakeApp{reqs: make(chan Request, 64)}
	d := DialerFunc(func(ctx context.Context) (net.Conn, error) {
		a.dials.Add(1)
		client, server := net.Pipe()
		a.wmu.Lock()
		a.conn = server
		a.wmu.Unlock()
		go func() {
			for {
				frame, err := ReadFrame(server)
				if err != nil {
					return
				}
				var req Request
				if json.Unmarshal(frame, &req) == nil {
					a.reqs <- req
				}
			}
		}()
		return client, nil
	})
	return a, d
}

func (a *fakeApp) hangup() {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = a.conn.Close()
}

func failingDialer(err error, calls *atomic.Int32) Dialer {
	return DialerFunc(func(context.Context) (net.Conn, error) {
		calls.Add(1)
		return nil, err
	})
}

var errHostNotFound = errors.New("native host not found")
