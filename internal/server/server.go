// Package server is the HTTP admin surface: health and metrics, pending
// approvals and their decisions, scheduled-task CRUD, a status snapshot,
// and a WebSocket event feed. Everything under /v1 requires a bearer token.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/ratelimit"
	"github.com/haasonsaas/steward/internal/scheduler"
	"github.com/haasonsaas/steward/internal/sessions"
)

// Config configures the admin server.
type Config struct {
	// Addr is the listen address. Empty means ":8787".
	Addr string
	// JWTSecret signs and verifies bearer tokens. Required.
	JWTSecret string
}

// StatsProvider reports session-store counters for /v1/status. The session
// manager satisfies it.
type StatsProvider interface {
	Stats(ctx context.Context) (sessions.Stats, error)
}

// Options carries the subsystems the server exposes.
type Options struct {
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Gate      *agent.ApprovalGate
	Scheduler *scheduler.Scheduler
	Sessions  StatsProvider
	// Limiter throttles /v1 requests per token subject. Nil disables
	// throttling.
	Limiter *ratelimit.Limiter
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	// Hub is the shared event feed. Nil means the server owns one.
	Hub     *EventHub
	Version string
}

// Server is the admin HTTP server.
type Server struct {
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	gate     *agent.ApprovalGate
	sched    *scheduler.Scheduler
	sessions StatsProvider
	limiter  *ratelimit.Limiter
	gatherer prometheus.Gatherer
	hub      *EventHub
	auth     *JWTAuth
	version  string
	started  time.Time

	httpServer *http.Server
	listener   net.Listener
}

// New builds a stopped server.
func New(cfg Config, opts Options) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8787"
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("approval gate is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewEventHub(logger)
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		gate:     opts.Gate,
		sched:    opts.Scheduler,
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		gatherer: gatherer,
		hub:      hub,
		auth:     NewJWTAuth(cfg.JWTSecret),
		version:  opts.Version,
		started:  time.Now(),
	}, nil
}

// Hub returns the event feed so other subsystems can publish into it.
func (s *Server) Hub() *EventHub { return s.hub }

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/approvals", s.handleApprovalsList)
	api.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprovalApprove)
	api.HandleFunc("POST /v1/approvals/{id}/deny", s.handleApprovalDeny)
	api.HandleFunc("GET /v1/tasks", s.handleTasksList)
	api.HandleFunc("POST /v1/tasks", s.handleTaskCreate)
	api.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskDelete)
	api.HandleFunc("GET /v1/status", s.handleStatus)
	api.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("/v1/", s.auth.Middleware(s.limitRequests(api)))

	return mux
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	s.logger.Info("admin server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and closes the event feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	s.httpServer = nil
	s.listener = nil
	return nil
}
