// Package api provides the HTTP surface of powerdial.
//
// It exposes RESTful endpoints for session lifecycle, dialing, dispositions,
// and the telephony webhook, plus the WebSocket upgrade path for the push
// channel. Every JSON endpoint returns the uniform {success, data | error}
// envelope.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dialworks/powerdial/internal/config"
	"github.com/dialworks/powerdial/internal/dialer"
	"github.com/dialworks/powerdial/internal/policy"
	"github.com/dialworks/powerdial/internal/push"
	"github.com/dialworks/powerdial/internal/statestore"
)

// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// Server hosts the powerdial HTTP API.
type Server struct {
	orch   *dialer.Orchestrator
	hub    *push.Hub
	store  statestore.Store
	policy *policy.Engine
	cfg    *config.Config

	httpServer *http.Server
}

// NewServer wires the API server to its collaborators.
func NewServer(orch *dialer.Orchestrator, hub *push.Hub, store statestore.Store, engine *policy.Engine, cfg *config.Config) *Server {
	s := &Server{
		orch:   orch,
		hub:    hub,
		store:  store,
		policy: engine,
		cfg:    cfg,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/start", s.startSessionHandler)
	mux.HandleFunc("/api/session/pause", s.pauseSessionHandler)
	mux.HandleFunc("/api/session/resume", s.resumeSessionHandler)
	mux.HandleFunc("/api/session/stop", s.stopSessionHandler)
	mux.HandleFunc("/api/session/status", s.sessionStatusHandler)
	mux.HandleFunc("/api/dial", s.dialHandler)
	mux.HandleFunc("/api/disposition", s.dispositionHandler)
	mux.HandleFunc("/api/events/telephony", s.telephonyWebhookHandler)
	mux.HandleFunc("/api/policies", s.policiesHandler)
	mux.HandleFunc("/api/ws-info", s.wsInfoHandler)
	mux.HandleFunc("/ws", s.hub.HandleWS)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("Server.Start: powerdial API listening", "addr", s.cfg.APIAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes push connections.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API server")
	s.hub.Shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}
