// Package api provides HTTP handlers for powerdial endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/telephony"
)

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startSessionHandler: processing start request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.startSessionHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, "Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.startSessionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, err.Error()))
		return
	}

	result, err := s.orch.StartSession(r.Context(), req.AgentEmail)
	if err != nil {
		slog.Warn("Server.startSessionHandler: start failed", "agentEmail", req.AgentEmail, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) pauseSessionHandler(w http.ResponseWriter, r *http.Request) {
	s.readyStateHandler(w, r, "pause", s.orch.PauseSession)
}

func (s *Server) resumeSessionHandler(w http.ResponseWriter, r *http.Request) {
	s.readyStateHandler(w, r, "resume", s.orch.ResumeSession)
}

// readyStateHandler is the shared handler body for pause and resume.
func (s *Server) readyStateHandler(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (*models.Session, error)) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	sess, err := fn(r.Context(), req.SessionID)
	if err != nil {
		slog.Warn("Server.readyStateHandler: operation failed", "op", op, "sessionId", req.SessionID, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"sessionId":  sess.SessionID,
		"readyState": sess.ReadyState,
	}))
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	if err := s.orch.StopSession(r.Context(), req.SessionID); err != nil {
		slog.Warn("Server.stopSessionHandler: stop failed", "sessionId", req.SessionID, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"sessionId":  req.SessionID,
		"readyState": models.ReadyStateStop,
	}))
}

func (s *Server) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, "session_id query parameter is required"))
		return
	}
	sess, err := s.orch.SessionStatus(r.Context(), sessionID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) dialHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	result, err := s.orch.Dial(r.Context(), req.SessionID)
	if err != nil {
		slog.Warn("Server.dialHandler: dial failed", "sessionId", req.SessionID, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) dispositionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.DispositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.dispositionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, "Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.dispositionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, err.Error()))
		return
	}

	idemKey := r.Header.Get(s.cfg.Network.IdempotencyHeader)
	result, err := s.orch.SubmitDisposition(r.Context(), req, idemKey)
	if err != nil {
		slog.Warn("Server.dispositionHandler: disposition failed",
			"sessionId", req.SessionID, "rowId", req.RowID, "outcome", req.Outcome, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) telephonyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, "Failed to read request body"))
		return
	}
	if !telephony.VerifySignature(s.cfg.WebhookSecret, body, r.Header.Get(telephony.SignatureHeader)) {
		slog.Warn("Server.telephonyWebhookHandler: signature verification failed")
		writeJSONResponse(w, http.StatusUnauthorized, models.Fail(models.CodeValidationError, "Invalid webhook signature"))
		return
	}
	ev, err := telephony.ParseEvent(body)
	if err != nil {
		slog.Warn("Server.telephonyWebhookHandler: failed to parse event", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, err.Error()))
		return
	}
	if ev.Meta == nil {
		// Status callbacks carry the correlation meta on the URL we gave the
		// provider at dial time, not in the event body.
		ev.Meta = telephony.MetaFromQuery(r.URL.Query())
	}
	if err := s.orch.HandleCallEvent(r.Context(), ev); err != nil {
		slog.Error("Server.telephonyWebhookHandler: event handling failed", "eventId", ev.EventID, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"received": true}))
}

func (s *Server) policiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"policies": s.policy.Policies(),
		"colors":   s.policy.DispositionColors(),
	}))
}

func (s *Server) wsInfoHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessions := s.hub.Sessions()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"path":              "/ws",
		"heartbeatSeconds":  int(s.cfg.Heartbeat / time.Second),
		"connectedSessions": sessions,
		"connectedClients":  len(sessions),
	}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		slog.Error("Server.healthHandler: state store unreachable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Success(map[string]string{"status": "degraded"}))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "ok"}))
}

// decodeSessionRequest decodes and validates the common {sessionId} payload.
func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (models.SessionRequest, bool) {
	var req models.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.decodeSessionRequest: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, "Invalid JSON format"))
		return req, false
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Fail(models.CodeValidationError, err.Error()))
		return req, false
	}
	return req, true
}
