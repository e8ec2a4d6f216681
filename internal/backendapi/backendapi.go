// Package backendapi serves bridge methods by calling the backend REST API
// with the session token.
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loykin/thinkd/internal/bridge"
	"github.com/loykin/thinkd/internal/session"
)

// Bridge methods exposed to the extension.
const (
	MethodMemoriesCreate    = "memories.create"
	MethodMemoriesUpdate    = "memories.update"
	MethodChatMessage       = "chat.message"
	MethodConversationsSave = "conversations.save"
	MethodChatSummarize     = "chat.summarize"
)

// Methods returns every method Routes registers.
func Methods() []string {
	return []string{
		MethodMemoriesCreate,
		MethodMemoriesUpdate,
		MethodChatMessage,
		MethodConversationsSave,
		MethodChatSummarize,
	}
}

const maxErrorBody = 64 << 10

// Client calls the backend on behalf of bridge requests.
type Client struct {
	BaseURL string
	Session *session.Session
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Do sends body to the backend and returns the raw JSON response. Non-2xx
// answers become *bridge.Error carrying the backend's detail message.
func (c *Client) Do(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Session != nil {
		c.Session.Header(req)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, bridge.Errorf(bridge.CodeAppNotReady, "backend unavailable: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// One byte past the frame limit tells a full body from a truncated one.
	data, err := io.ReadAll(io.LimitReader(resp.Body, bridge.MaxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, data)
	}
	if len(data) > bridge.MaxFrameSize {
		return nil, bridge.Errorf(bridge.CodeInternal, "backend response too large: exceeds %d bytes", bridge.MaxFrameSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, bridge.Errorf(bridge.CodeInternal, "backend returned invalid JSON")
	}
	return data, nil
}

func statusError(status int, body []byte) *bridge.Error {
	code := bridge.CodeInternal
	if status == http.StatusServiceUnavailable || status == http.StatusLocked {
		code = bridge.CodeAppNotReady
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return &bridge.Error{Code: code, Message: s}
		}
		return &bridge.Error{Code: code, Message: string(payload.Detail)}
	}
	return &bridge.Error{Code: code, Message: fmt.Sprintf("backend returned %d %s", status, http.StatusText(status))}
}

func (c *Client) forward(method, path string) bridge.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		return c.Do(ctx, method, path, params)
	}
}

func (c *Client) updateMemory(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID json.RawMessage `json:"id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, bridge.Errorf(bridge.CodeParse, "invalid params: %v", err)
		}
	}
	id := strings.Trim(string(p.ID), `"`)
	if id == "" || id == "null" {
		return nil, bridge.Errorf(bridge.CodeInternal, "Missing required parameter: id")
	}
	return c.Do(ctx, http.MethodPut, "/api/memories/"+url.PathEscape(id), params)
}

// Routes returns a Mux with every bridge method bound to its REST endpoint.
func (c *Client) Routes() *bridge.Mux {
	mux := bridge.NewMux()
	mux.Handle(MethodMemoriesCreate, c.forward(http.MethodPost, "/api/memories"))
	mux.Handle(MethodMemoriesUpdate, c.updateMemory)
	mux.Handle(MethodChatMessage, c.forward(http.MethodPost, "/api/chat"))
	mux.Handle(MethodConversationsSave, c.forward(http.MethodPost, "/api/conversations"))
	mux.Handle(MethodChatSummarize, c.forward(http.MethodPost, "/api/chat/summarize"))
	return mux
}
