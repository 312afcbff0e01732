// Package server assembles the viewerd HTTP surface: the REST endpoints
// serving model data, the WebSocket and SSE transports carrying the JSON-RPC
// protocol, Prometheus metrics, and the embedded viewer app.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/docrobotics/viewerd/chat"
	"github.com/docrobotics/viewerd/config"
	"github.com/docrobotics/viewerd/model"
	"github.com/docrobotics/viewerd/rpc"
)

// Version is the server version reported by the health endpoint and the
// connection greeting.
const Version = "0.1.0"

// Server is the assembled viewerd server.
//
// Instances should be created with New and started with Run.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	store      *chat.Store
	loader     *model.Loader
	changesets *model.ChangesetStore
	annotation *model.AnnotationStore

	metrics   *metrics
	rpcServer *rpc.Server
	wsServer  *rpc.WebSocketServer
	sseServer *rpc.SSEServer

	httpServer *http.Server
}

// Option represents the options for the Server.
type Option func(*Server)

// WithLogger sets the logger for the server and everything it assembles.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New assembles a server from the configuration, generating chat responses
// with generator.
func New(cfg config.Config, generator chat.Generator, options ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.store = chat.NewStore()
	s.loader = model.NewLoader(cfg.ModelDir, model.WithLoaderLogger(s.logger))
	s.changesets = model.NewChangesetStore(cfg.DataDir + "/changesets")
	s.annotation = model.NewAnnotationStore(cfg.DataDir)

	s.metrics = newMetrics(s.store.Len)

	router := rpc.NewRouter(
		rpc.WithRouterLogger(s.logger),
		rpc.WithRouterObserver(s.metrics.observeRPC),
	)

	chatHandler := chat.New(s.store, generator,
		chat.WithLogger(s.logger),
		chat.WithUsageObserver(s.metrics.observeChatUsage))
	chatHandler.Register(router)
	s.registerLiveOps(router)

	s.wsServer = rpc.NewWebSocketServer(
		rpc.WithWebSocketLogger(s.logger),
		rpc.WithWebSocketOriginPatterns(originPatterns(cfg.AllowedOrigins)),
	)
	s.sseServer = rpc.NewSSEServer("/rpc", rpc.WithSSELogger(s.logger))

	s.rpcServer = rpc.NewServer(router,
		rpc.WithTransport(s.wsServer),
		rpc.WithTransport(s.sseServer),
		rpc.WithServerLogger(s.logger),
		rpc.WithServerVersion(Version),
		rpc.WithOnConnected(func(string) { s.metrics.connections.Inc() }),
		rpc.WithOnDisconnected(func(sessionID string) {
			s.metrics.connections.Dec()
			s.store.ClearConnection(sessionID)
		}),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// registerLiveOps registers the lightweight live-update operations clients
// use to keep their connection warm and scope broadcast interest.
func (s *Server) registerLiveOps(router *rpc.Router) {
	router.RegisterUnary("subscribe", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Topics []string `json:"topics"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid subscribe params: %v", err)
			}
		}
		if p.Topics == nil {
			p.Topics = []string{}
		}
		s.logger.Info("client subscribed", slog.Any("topics", p.Topics))
		return map[string]any{"type": "subscribed", "topics": p.Topics}, nil
	})

	router.RegisterUnary("ping", func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{"type": "pong"}, nil
	})
}

func (s *Server) routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	mux.Group(func(r chi.Router) {
		r.Use(s.instrument)

		r.Get("/health", s.handleHealth)
		r.Get("/api/spec", s.handleSpec)
		r.Get("/api/model", s.handleModel)
		r.Get("/api/link-registry", s.handleLinkRegistry)
		r.Get("/api/changesets", s.handleChangesets)
		r.Get("/api/changesets/{changesetID}", s.handleChangeset)
		r.Get("/api/annotations", s.handleAnnotations)
	})

	mux.Handle("/metrics", s.metrics.handler())

	// The RPC transports hijack or stream on the connection, so they stay
	// outside the instrumentation wrapper.
	mux.Handle("/ws", s.wsServer.Handler())
	mux.Handle("/events", s.sseServer.HandleEvents())
	mux.Post("/rpc", s.sseServer.HandleMessage().ServeHTTP)

	if s.cfg.StaticDir != "" {
		s.mountStatic(mux)
	}
	return mux
}

// Handler returns the server's full HTTP surface, for mounting on an
// external mux or driving in tests. The RPC transports behind it only accept
// sessions while Run (or Serve on the underlying RPC server) is active.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the RPC server, the session eviction sweep, and the HTTP server,
// and blocks until ctx is cancelled or the HTTP server fails. Shutdown is
// graceful.
func (s *Server) Run(ctx context.Context) error {
	go s.rpcServer.Serve()
	go s.evictionLoop(ctx)

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("server listening",
			slog.String("addr", s.cfg.ListenAddr),
			slog.String("version", Version))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.rpcServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to shut down RPC server", slog.String("err", err.Error()))
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Broadcast fans a live-update notification out to all connected clients.
func (s *Server) Broadcast(method string, params any) error {
	s.metrics.broadcasts.Inc()
	return s.rpcServer.Broadcast(method, params)
}

func (s *Server) evictionLoop(ctx context.Context) {
	interval := s.cfg.SessionSweepInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.store.EvictOlderThan(s.cfg.SessionMaxAge); removed > 0 {
				s.logger.Info("evicted idle chat sessions", slog.Int("count", removed))
			}
		}
	}
}

// originPatterns strips URL schemes from the configured origins, since the
// WebSocket accept check matches on host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		host := strings.TrimPrefix(origin, "http://")
		host = strings.TrimPrefix(host, "https://")
		patterns = append(patterns, host)
	}
	return patterns
}
