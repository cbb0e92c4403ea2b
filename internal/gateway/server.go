// Package gateway is the HTTP surface: the chat endpoints, the SSE and
// WebSocket event streams, the catalog listing, and the operational
// endpoints. Handlers translate faults to statuses and never reach into
// provider adapters directly; everything flows through the orchestrator,
// the session manager, and the workflow runner.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/record"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/workflow"
)

// Options wires the server's collaborators. Recorder and Metrics may be
// nil; Workflows defaults to the HTTP bridge.
type Options struct {
	Config       *config.Config
	Catalog      *catalog.Catalog
	Orchestrator *chat.Orchestrator
	Sessions     *session.Manager
	Workflows    workflow.Runner
	Recorder     record.Recorder
	Auth         auth.Authenticator
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Server owns the HTTP listener and the handler tree.
type Server struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	orch      *chat.Orchestrator
	sessions  *session.Manager
	workflows workflow.Runner
	recorder  record.Recorder
	auth      auth.Authenticator
	log       *observability.Logger
	metrics   *observability.Metrics
	mirror    *events.WSMirror

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server. Start arms the listener.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	workflows := opts.Workflows
	if workflows == nil {
		workflows = workflow.NewBridge(nil, log)
	}
	return &Server{
		cfg:       opts.Config,
		catalog:   opts.Catalog,
		orch:      opts.Orchestrator,
		sessions:  opts.Sessions,
		workflows: workflows,
		recorder:  opts.Recorder,
		auth:      opts.Auth,
		log:       log,
		metrics:   opts.Metrics,
		mirror:    events.NewWSMirror(opts.Config.Chat.PingInterval, log),
	}
}

// Handler builds the route tree. The operational endpoints sit outside
// the authenticated chain so probes and scrapers need no credentials.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/models", s.handleListModels)
	api.HandleFunc("GET /api/models/{modelId}/chat/test", s.handleTestModel)
	api.HandleFunc("GET /api/apps/{appId}/chat/{chatId}", s.handleOpenStream)
	api.HandleFunc("POST /api/apps/{appId}/chat/{chatId}", s.handleSubmitTurn)
	api.HandleFunc("POST /api/apps/{appId}/chat/{chatId}/stop", s.handleStop)
	api.HandleFunc("GET /api/apps/{appId}/chat/{chatId}/status", s.handleStatus)
	api.HandleFunc("GET /api/apps/{appId}/chat/{chatId}/ws", s.handleOpenWS)
	api.HandleFunc("POST /api/apps/{appId}/chat/{chatId}/feedback", s.handleFeedback)

	chain := s.observe(auth.Middleware(s.auth, s.log)(api))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	root.Handle("GET /metrics", promhttp.Handler())
	root.Handle("/api/", chain)
	return root
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "http server error", "error", err)
		}
	}()

	s.log.Info(context.Background(), "http server listening", "addr", addr)
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
		defer cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
