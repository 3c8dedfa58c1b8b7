package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/previewr/internal/controller"
	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/sandbox"
)

// Service is the dev server controller as seen by the HTTP layer.
type Service interface {
	Status(ctx context.Context, projectID string, withLogs bool) devserver.Status
	Start(ctx context.Context, projectID string, req controller.StartRequest) (controller.StartResult, error)
	Stop(ctx context.Context, projectID string) (controller.StopResult, error)
	Logs(ctx context.Context, projectID string, lines int) ([]string, error)
}

// Router provides embeddable HTTP handlers for dev server control.
// Endpoints:
//
//	GET    {basePath}/dev-server/:id         status JSON, or an SSE stream with Accept: text/event-stream
//	POST   {basePath}/dev-server/:id         start; body StartRequest
//	DELETE {basePath}/dev-server/:id         stop
//	GET    {basePath}/dev-server/:id/logs    log tail; query lines=N
//	GET    {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc         Service
	basePath    string
	streamEvery time.Duration
	log         *slog.Logger
}

type RouterOption func(*Router)

// WithStreamInterval sets the SSE snapshot interval.
func WithStreamInterval(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.streamEvery = d
		}
	}
}

func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/dev-server/:id.
func NewRouter(svc Service, basePath string, opts ...RouterOption) *Router {
	r := &Router{
		svc:         svc,
		basePath:    sanitizeBase(basePath),
		streamEvery: devserver.StreamEvery,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "http")
	return r
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/dev-server/:id", r.handleStatus)
	group.POST("/dev-server/:id", r.handleStart)
	group.DELETE("/dev-server/:id", r.handleStop)
	group.GET("/dev-server/:id/logs", r.handleLogs)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// WriteTimeout stays zero because status streams are long-lived.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startErrorResp struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Logs    []string `json:"logs,omitempty"`
	Hint    string   `json:"hint,omitempty"`
}

type logsResp struct {
	Logs []string `json:"logs"`
}

const invalidIDMsg = "invalid project id: allowed [A-Za-z0-9._-] and no '..'"

func (r *Router) projectID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: invalidIDMsg})
		return "", false
	}
	return id, true
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := r.projectID(c)
	if !ok {
		return
	}
	withLogs := truthy(c.Query("logs"))
	if wantsStream(c) {
		r.stream(c, id, withLogs)
		return
	}
	st, err := r.snapshot(c.Request.Context(), id, withLogs)
	if err != nil {
		r.log.Error("status failed", "project", id, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.projectID(c)
	if !ok {
		return
	}
	var req controller.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.ProjectName == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "projectName required"})
		return
	}
	res, err := r.svc.Start(c.Request.Context(), id, req)
	if err != nil {
		r.writeStartError(c, id, err)
		return
	}
	code := http.StatusOK
	if res.Starting {
		code = http.StatusAccepted
	}
	writeJSON(c, code, res)
}

// writeStartError maps controller failures to status codes. Unexpected
// errors are logged and reported without detail.
func (r *Router) writeStartError(c *gin.Context, id string, err error) {
	var se *devserver.StartError
	switch {
	case errors.Is(err, devserver.ErrProjectNotFound):
		writeJSON(c, http.StatusNotFound, startErrorResp{Error: devserver.ErrProjectNotFound.Error()})
	case errors.Is(err, devserver.ErrManifestMissing):
		writeJSON(c, http.StatusUnprocessableEntity, startErrorResp{Error: devserver.ErrManifestMissing.Error()})
	case errors.As(err, &se):
		writeJSON(c, http.StatusInternalServerError, startErrorResp{Error: se.Err.Error(), Logs: se.Logs, Hint: se.Hint})
	default:
		r.log.Error("start failed", "project", id, "error", err)
		writeJSON(c, http.StatusInternalServerError, startErrorResp{Error: "internal error"})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.projectID(c)
	if !ok {
		return
	}
	res, err := r.svc.Stop(c.Request.Context(), id)
	if err != nil {
		r.log.Error("stop failed", "project", id, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleLogs(c *gin.Context) {
	id, ok := r.projectID(c)
	if !ok {
		return
	}
	lines := 0
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be between 0 and 1000"})
			return
		}
		lines = n
	}
	out, err := r.svc.Logs(c.Request.Context(), id, lines)
	if errors.Is(err, sandbox.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sandbox for project"})
		return
	}
	if err != nil {
		r.log.Error("logs failed", "project", id, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	if out == nil {
		out = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Logs: out})
}
