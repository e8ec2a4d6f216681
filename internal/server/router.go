package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/thinkd/internal/auth"
	"github.com/loykin/thinkd/internal/download"
	"github.com/loykin/thinkd/internal/history"
	"github.com/loykin/thinkd/internal/metrics"
	"github.com/loykin/thinkd/internal/modelrt"
	"github.com/loykin/thinkd/internal/supervisor"
)

// Router provides the loopback control API.
// Endpoints:
//
//	GET  {basePath}/status            backend state, resource sample, bridge and runtime readiness
//	GET  {basePath}/history           query: name=...&limit=N
//	POST {basePath}/backend/restart
//	POST {basePath}/runtime/install   streams download/install progress as NDJSON
//	POST {basePath}/runtime/pull      query: model=...; streams pull progress as NDJSON
//	GET  {basePath}/metrics           Prometheus exposition
//
// Every route requires the session token.
type Router struct {
	deps       Deps
	basePath   string
	installing atomic.Bool
}

// Backend is the supervised backend as seen by the API.
type Backend interface {
	Status() supervisor.Status
	Restart(ctx context.Context) error
}

// ModelRuntime is the local model server client.
type ModelRuntime interface {
	Status(ctx context.Context) (modelrt.Status, error)
	Pull(ctx context.Context, model string, onProgress func(modelrt.PullProgress)) error
}

// Installer fetches and installs the model runtime.
type Installer interface {
	InstallRuntime(ctx context.Context, onProgress func(download.Progress)) error
}

// Gate reports whether the native bridge is accepting requests.
type Gate interface {
	Ready() bool
}

// Deps wires the Router. Nil members disable the matching endpoints.
type Deps struct {
	Backend   Backend
	Runtime   ModelRuntime
	Installer Installer
	History   history.Reader
	Bridge    Gate
	Auth      *auth.Middleware
	Metrics   http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.deps.Auth != nil {
		group.Use(r.deps.Auth.GinAuth())
	}
	group.GET("/status", r.handleStatus)
	group.GET("/history", r.handleHistory)
	group.POST("/backend/restart", r.handleRestart)
	group.POST("/runtime/install", r.handleInstall)
	group.POST("/runtime/pull", r.handlePull)
	m := r.deps.Metrics
	if m == nil {
		m = metrics.Handler()
	}
	group.GET("/metrics", gin.WrapH(m))
	return g
}

// NewServer returns an http.Server for r on addr. The caller runs
// ListenAndServe. WriteTimeout is unset because install and pull stream.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Backend     *supervisor.Status      `json:"backend,omitempty"`
	Resources   *metrics.ResourceSample `json:"resources,omitempty"`
	BridgeReady bool                    `json:"bridge_ready"`
	Runtime     *modelrt.Status         `json:"runtime,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	var resp statusResp
	if b := r.deps.Backend; b != nil {
		st := b.Status()
		resp.Backend = &st
		if st.State == supervisor.StateRunning && st.PID > 0 {
			if s, err := metrics.SampleProcess(st.Name, st.PID); err == nil {
				resp.Resources = &s
			}
		}
	}
	if g := r.deps.Bridge; g != nil {
		resp.BridgeReady = g.Ready()
	}
	if rt := r.deps.Runtime; rt != nil {
		// An unreachable runtime reports Running=false.
		st, _ := rt.Status(c.Request.Context())
		resp.Runtime = &st
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.deps.History == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "no queryable history sink configured"})
		return
	}
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := r.deps.History.Recent(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleRestart(c *gin.Context) {
	if r.deps.Backend == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "backend not managed"})
		return
	}
	if err := r.deps.Backend.Restart(c.Request.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type installLine struct {
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	Error    string `json:"error,omitempty"`
}

func (r *Router) handleInstall(c *gin.Context) {
	if r.deps.Installer == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "runtime install not configured"})
		return
	}
	if !r.installing.CompareAndSwap(false, true) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "install already in progress"})
		return
	}
	defer r.installing.Store(false)

	out := newNDJSON(c)
	err := r.deps.Installer.InstallRuntime(c.Request.Context(), func(p download.Progress) {
		out.send(installLine{Progress: p.Progress, Stage: p.Stage})
	})
	if err != nil {
		out.send(installLine{Stage: "failed", Error: err.Error()})
	}
}

type pullLine struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (r *Router) handlePull(c *gin.Context) {
	if r.deps.Runtime == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "model runtime not configured"})
		return
	}
	model := c.Query("model")
	if !isModelName(model) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid or missing model"})
		return
	}
	out := newNDJSON(c)
	err := r.deps.Runtime.Pull(c.Request.Context(), model, func(p modelrt.PullProgress) {
		out.send(pullLine{Status: p.Status, Progress: p.Progress})
	})
	if err != nil {
		out.send(pullLine{Status: "failed", Error: err.Error()})
	}
}
