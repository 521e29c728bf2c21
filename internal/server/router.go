// Package server exposes embeddable HTTP handlers for observing the
// daemon: registry status, engine health, the live event stream over
// websocket, and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/helmd/helmd/internal/engine"
	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/metrics"
	"github.com/helmd/helmd/internal/protocol"
	"github.com/helmd/helmd/internal/registry"
	"github.com/helmd/helmd/internal/sidecar"
	"github.com/helmd/helmd/internal/supervisor"
)

// HistoryQuerier is implemented by sinks that can read back records.
type HistoryQuerier interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Router provides the daemon's HTTP surface.
// Endpoints:
//
//	GET {basePath}/status   registry entries, active pids marked
//	GET {basePath}/health   engine and sidecar liveness
//	GET {basePath}/history  recent audit records (when the sink supports reads)
//	GET {basePath}/events   websocket, live event stream
//	GET {basePath}/metrics  Prometheus exposition
type Router struct {
	basePath string
	reg      *registry.Registry
	boot     *engine.Bootstrap
	disp     *sidecar.Dispatcher
	insp     supervisor.Inspector
	querier  HistoryQuerier
	daemon   func() int
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// Options wires the router's dependencies; nil fields disable the
// corresponding endpoint data.
type Options struct {
	BasePath   string
	Registry   *registry.Registry
	Bootstrap  *engine.Bootstrap
	Dispatcher *sidecar.Dispatcher
	Inspector  supervisor.Inspector
	Querier    HistoryQuerier
	DaemonPID  func() int
	Log        *slog.Logger
}

func NewRouter(opts Options) *Router {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Inspector == nil {
		opts.Inspector = supervisor.HostInspector{}
	}
	if opts.DaemonPID == nil {
		opts.DaemonPID = func() int { return 0 }
	}
	return &Router{
		basePath: sanitizeBase(opts.BasePath),
		reg:      opts.Registry,
		boot:     opts.Bootstrap,
		disp:     opts.Dispatcher,
		insp:     opts.Inspector,
		querier:  opts.Querier,
		daemon:   opts.DaemonPID,
		log:      opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local observability endpoint, same-origin rules don't apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.GET("/history", r.handleHistory)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// MountEcho attaches the router to an existing echo instance.
func (r *Router) MountEcho(e *echo.Echo) {
	prefix := r.basePath
	if prefix == "" {
		prefix = "/"
	} else {
		prefix += "/*"
	}
	e.Any(prefix, echo.WrapHandler(r.Handler()))
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	DaemonPID int            `json:"daemon_pid,omitempty"`
	Profiles  []profileEntry `json:"profiles"`
}

type profileEntry struct {
	registry.Entry
	Active bool `json:"active"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{DaemonPID: r.daemon(), Profiles: []profileEntry{}}
	if r.reg != nil {
		entries, err := r.reg.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		for _, e := range entries {
			pe := profileEntry{Entry: e}
			if e.PID > 0 {
				running, err := r.insp.Running(c.Request.Context(), int32(e.PID))
				pe.Active = err == nil && running
			}
			resp.Profiles = append(resp.Profiles, pe)
		}
	}
	c.JSON(http.StatusOK, resp)
}

type healthResp struct {
	Healthy bool   `json:"healthy"`
	Engine  string `json:"engine"`
	Sidecar bool   `json:"sidecar"`
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := healthResp{Engine: engine.StateStopped}
	if r.boot != nil {
		resp.Engine = r.boot.Status(c.Request.Context())
	}
	resp.Sidecar = r.daemon() > 0
	resp.Healthy = resp.Engine == engine.StateRunning && resp.Sidecar
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.querier == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "history sink does not support reads"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := r.querier.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	c.JSON(http.StatusOK, events)
}

// handleEvents streams dispatcher events to a websocket client until
// either side goes away.
func (r *Router) handleEvents(c *gin.Context) {
	if r.disp == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "event stream not available"})
		return
	}
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var (
		events <-chan protocol.Event
		cancel func()
	)
	if profile := c.Query("profile"); profile != "" {
		events, cancel = r.disp.Subscribe(profile, 64)
	} else {
		events, cancel = r.disp.SubscribeAll(64)
	}
	defer cancel()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
