// Package httpserver serves the sift control and run surfaces over HTTP:
// a JSON API, server-sent run events, a WebSocket duplex binding, the tool
// protocol over server push and Prometheus metrics.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/toolrpc"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = "127.0.0.1:3000"

	// DefaultMaxUpload caps an uploaded log file.
	DefaultMaxUpload = 32 << 20
)

// Config holds optional collaborators and limits.
type Config struct {
	// Tools enables the /mcp endpoints. Nil disables them.
	Tools *toolrpc.Server
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// MaxUpload caps multipart uploads and JSON bodies.
	MaxUpload int64
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	ctrl      model.Controller
	push      *toolrpc.PushSessions
	gatherer  prometheus.Gatherer
	maxUpload int64
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server over ctrl.
func NewServer(addr string, ctrl model.Controller, conf ...Config) *Server {
	var c Config
	if len(conf) > 0 {
		c = conf[0]
	}
	if addr == "" {
		addr = DefaultAddr
	}
	if c.MaxUpload <= 0 {
		c.MaxUpload = DefaultMaxUpload
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		ctrl:      ctrl,
		gatherer:  c.Gatherer,
		maxUpload: c.MaxUpload,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	if c.Tools != nil {
		s.push = toolrpc.NewPushSessions(c.Tools)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/sources", s.handleCreateSource)
	api.GET("/sources", s.handleListSources)
	api.GET("/sources/:id/stats", s.handleSourceStats)
	api.DELETE("/sources/:id", s.handleStopSource)
	api.POST("/sources/:id/restart", s.handleRestartSource)
	api.DELETE("/projects/:id/sources", s.handleDeleteProject)

	api.POST("/runs", s.handleStartRun)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/runs/:id/events", s.handleRunEvents)
	api.POST("/runs/:id/cancel", s.handleCancelRun)

	r.GET("/ws/analyze", s.handleAnalyzeSocket)

	if s.push != nil {
		r.GET("/mcp/sse", s.handleToolStream)
		r.POST("/mcp/message", s.handleToolMessage)
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server. Open event streams end when
// the server's base context is cancelled.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	sources := s.ctrl.ListSources("")
	states := make(map[model.SupervisorState]int)
	for _, src := range sources {
		states[src.State]++
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"sources": len(sources),
		"states":  states,
	})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalid, apperr.KindInput, apperr.KindParse:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindCancelled:
		return http.StatusConflict
	case apperr.KindCapacity, apperr.KindBreakerOpen:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  apperr.KindOf(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": apperr.KindInvalid})
}
