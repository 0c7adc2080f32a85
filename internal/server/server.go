// Package server wires the HTTP surface: MCP transports, the job API,
// health, metrics, and discovery documents. main() builds a Server, calls
// Run, done.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/auth"
	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/mcpserver"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled HTTP front.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	store storage.Store
	bus   *events.Bus
	mcp   *mcpserver.MCPServer
	mw    *auth.Middleware

	started    time.Time
	httpServer *http.Server
}

// New assembles the route table and middleware chain. A nil middleware
// skips the auth chain entirely; normal builds always pass one.
func New(
	cfg config.Config,
	store storage.Store,
	bus *events.Bus,
	mcpSrv *mcpserver.MCPServer,
	mw *auth.Middleware,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("http"),
		store:   store,
		bus:     bus,
		mcp:     mcpSrv,
		mw:      mw,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if mw != nil {
		handler = mw.Wrap(handler)
	}
	handler = s.requestMetrics(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE streams and the streamable transport hold
		// their responses open for the life of a session.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Run starts the listener and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting http server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("mode", s.cfg.Mode),
		zap.String("storage", s.store.Mode()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the fully wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
