package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// Relay forwards requests from a caller that cannot hold the channel (the
// browser, over stdio) to the app through a Client. Only allowlisted methods
// are forwarded; the Client's timeout is the only one applied.
type Relay struct {
	Client  *Client
	Allowed []string
	Logger  *slog.Logger
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Relay) allowed(method string) bool {
	for _, m := range r.Allowed {
		if m == method {
			return true
		}
	}
	return false
}

// Serve reads framed requests from in until EOF, answering each on out in
// completion order. It waits for forwarded requests before returning.
func (r *Relay) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	var (
		wmu      sync.Mutex
		inflight sync.WaitGroup
		werr     error
	)
	write := func(resp Response) {
		b, err := encodeResponse(resp)
		if err != nil {
			r.logger().Warn("relay: response replaced by error", "id", resp.ID, "error", err)
		}
		wmu.Lock()
		defer wmu.Unlock()
		if werr != nil {
			return
		}
		werr = WriteFrame(out, b)
	}
	defer inflight.Wait()

	for {
		frame, err := ReadFrame(in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			write(Response{Error: Errorf(CodeParse, "parse error: %v", err)})
			continue
		}
		if !r.allowed(req.Method) {
			r.logger().Warn("relay: rejected method", "method", req.Method)
			write(Response{ID: req.ID, Error: Errorf(CodeUnknownMethod, "Unknown method: %s", req.Method)})
			continue
		}
		inflight.Add(1)
		go func(req Request) {
			defer inflight.Done()
			write(r.forward(ctx, req))
		}(req)
	}
}

func (r *Relay) forward(ctx context.Context, req Request) Response {
	res, err := r.Client.Request(ctx, req.Method, req.Params)
	if err != nil {
		r.logger().Debug("relay: request failed", "method", req.Method, "error", err)
		return Response{ID: req.ID, Error: ToRPCError(err)}
	}
	return Response{ID: req.ID, Result: res}
}

// ToRPCError maps a Client error onto the wire error the caller sees.
func ToRPCError(err error) *Error {
	var rpcErr *Error
	var ce *ConnectError
	var de *DisconnectError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrTimeout):
		return &Error{Code: CodeTimeout, Message: "Request timed out"}
	case errors.As(err, &ce):
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return &Error{Code: CodeAppNotReady, Message: "Think app is not running. Please start it and try again."}
		}
		return &Error{Code: CodeCannotConnect, Message: "Cannot connect to Think app: " + ce.Err.Error()}
	case errors.As(err, &de):
		return &Error{Code: CodeConnectionLost, Message: "Connection to Think app lost"}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
