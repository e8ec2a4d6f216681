package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
)

// Handler answers one request. A returned *Error is sent as is; any other
// error becomes CodeInternal with its message.
type Handler interface {
	ServeRPC(ctx context.Context, req Request) (any, error)
}

// HandlerFunc handles the params of one method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Mux routes requests by method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for method, replacing any previous handler.
func (m *Mux) Handle(method string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = fn
}

// Methods lists registered method names in sorted order.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) ServeRPC(ctx context.Context, req Request) (any, error) {
	m.mu.RLock()
	fn, ok := m.handlers[req.Method]
	m.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeUnknownMethod, "Unknown method: %s", req.Method)
	}
	return fn(ctx, req.Params)
}

// ReadyGate answers CodeAppNotReady until Open is called.
type ReadyGate struct {
	Next    Handler
	Message string
	ready   atomic.Bool
}

const defaultNotReady = "Think is still starting. Please try again in a moment."

func (g *ReadyGate) Open() { g.ready.Store(true) }

func (g *ReadyGate) Close() { g.ready.Store(false) }

func (g *ReadyGate) Ready() bool { return g.ready.Load() }

func (g *ReadyGate) ServeRPC(ctx context.Context, req Request) (any, error) {
	if !g.ready.Load() {
		msg := g.Message
		if msg == "" {
			msg = defaultNotReady
		}
		return nil, &Error{Code: CodeAppNotReady, Message: msg}
	}
	return g.Next.ServeRPC(ctx, req)
}

// Server accepts helper connections and dispatches their requests
// concurrently. Responses on one connection are written one at a time.
type Server struct {
	Handler Handler
	Logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	endpoint string
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ListenAndServe listens on endpoint and serves until Shutdown.
func (s *Server) ListenAndServe(endpoint string) error {
	ln, err := Listen(endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	s.logger().Info("native bridge listening", "endpoint", endpoint)
	return s.Serve(ln)
}

// Serve accepts on ln until it is closed. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.listener = ln
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	ctx := s.ctx
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger().Warn("bridge accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	log := s.logger()
	log.Debug("bridge client connected")

	var (
		wmu      sync.Mutex
		inflight sync.WaitGroup
	)
	reply := func(resp Response) {
		b, err := encodeResponse(resp)
		if err != nil {
			log.Warn("bridge response replaced by error", "id", resp.ID, "error", err)
		}
		wmu.Lock()
		defer wmu.Unlock()
		if err := WriteFrame(conn, b); err != nil {
			log.Debug("bridge write failed", "error", err)
		}
	}

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("bridge read failed", "error", err)
			}
			break
		}
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			reply(Response{Error: Errorf(CodeParse, "parse error: %v", err)})
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			reply(s.dispatch(ctx, req))
		}()
	}
	inflight.Wait()
	log.Debug("bridge client disconnected")
}

// encodeResponse marshals resp for the wire. A response that cannot be encoded
// or does not fit in one frame becomes a CodeInternal error for the same id,
// so every request still gets exactly one answer.
func encodeResponse(resp Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err == nil && len(b) <= MaxFrameSize {
		return b, nil
	}
	var rpcErr *Error
	if err != nil {
		rpcErr = Errorf(CodeInternal, "encode result: %v", err)
	} else {
		err = fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
		rpcErr = Errorf(CodeInternal, "response too large: %d bytes exceeds %d", len(b), MaxFrameSize)
	}
	b, _ = json.Marshal(Response{ID: resp.ID, Error: rpcErr})
	return b, err
}

func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("bridge handler panic", "method", req.Method, "panic", r)
			resp.Result = nil
			resp.Error = Errorf(CodeInternal, "internal error")
		}
	}()
	out, err := s.Handler.ServeRPC(ctx, req)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternal, Message: err.Error()}
		}
		resp.Error = rpcErr
		return resp
	}
	b, err := json.Marshal(out)
	if err != nil {
		resp.Error = Errorf(CodeInternal, "encode result: %v", err)
		return resp
	}
	resp.Result = b
	return resp
}

// Shutdown stops accepting, closes open connections and waits for their
// handlers until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.listener = nil
	if s.cancel != nil {
		s.cancel()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	endpoint := s.endpoint
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if endpoint != "" {
		removeEndpoint(endpoint)
	}
	return err
}
