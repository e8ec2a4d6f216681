package bridge

import (
	"context"
	"net"
)

// Dialer opens the byte stream to the app.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) { return f(ctx) }

// UnixDialer connects to a unix domain socket.
type UnixDialer struct {
	Path string
}

func (d UnixDialer) Dial(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, "unix", d.Path)
}
