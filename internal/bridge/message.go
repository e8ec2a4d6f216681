// Package bridge implements the length-prefixed JSON request/response channel
// between the native messaging helper and the desktop app.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes carried in Response.Error.
const (
	CodeInternal       = -32000
	CodeAppNotReady    = -32001
	CodeCannotConnect  = -32002
	CodeConnectionLost = -32003
	CodeTimeout        = -32004
	CodeUnknownMethod  = -32601
	CodeParse          = -32700
)

// Request is one call. Params is forwarded untouched.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a structured failure returned by the remote side.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrTimeout is wrapped by errors returned when a request outlives its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("bridge client closed")
	// errLocalDisconnect is the cause recorded when Disconnect is called.
	errLocalDisconnect = errors.New("disconnected locally")
)

// ConnectError is returned by Request when the on-demand connect fails.
// No request was sent.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connect to app: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// DisconnectError fails every request that was pending when the channel closed.
type DisconnectError struct {
	Err error
}

func (e *DisconnectError) Error() string { return "connection lost: " + e.Err.Error() }
func (e *DisconnectError) Unwrap() error { return e.Err }

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return b, nil
}
