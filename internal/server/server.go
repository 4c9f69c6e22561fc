// Package server exposes the vault API over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/seqvault/internal/server/handler"
	"github.com/alanyoungcy/seqvault/internal/server/middleware"
	"github.com/alanyoungcy/seqvault/internal/server/ws"
)

// maxSignatureSkew bounds how stale a signed request may be.
const maxSignatureSkew = 5 * time.Minute

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Vaults  *handler.VaultHandler
	Trigger *handler.TriggerHandler
	Audit   *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server for the vault service.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Owner-only routes
// require a signed request; the signed-auth middleware recovers the caller
// and the handlers enforce ownership against the vault record.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Vault lifecycle (signed).
	mux.HandleFunc("POST /api/vaults", handlers.Vaults.Provision)
	mux.HandleFunc("GET /api/vaults", handlers.Vaults.ListVaults)
	mux.HandleFunc("GET /api/vaults/{id}", handlers.Vaults.GetVault)
	mux.HandleFunc("POST /api/vaults/{id}/arm", handlers.Vaults.Arm)
	mux.HandleFunc("POST /api/vaults/{id}/first-step", handlers.Vaults.RunFirstStep)
	mux.HandleFunc("POST /api/vaults/{id}/withdraw", handlers.Vaults.Withdraw)
	mux.HandleFunc("POST /api/vaults/{id}/disarm", handlers.Vaults.Disarm)

	// Execution records.
	mux.HandleFunc("GET /api/vaults/{id}/trades", handlers.Vaults.ListTrades)
	mux.HandleFunc("GET /api/vaults/{id}/skips", handlers.Vaults.ListSkips)

	// Permissionless trigger surface.
	mux.HandleFunc("GET /api/vaults/{id}/readiness", handlers.Trigger.Readiness)
	mux.HandleFunc("POST /api/vaults/{id}/advance", handlers.Trigger.Advance)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.List)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.SignedAuth(maxSignatureSkew)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
