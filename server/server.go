// Package server exposes the daemon's boundary operations over HTTP JSON,
// with a websocket side channel for turn progress events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/agent"
	"github.com/agentdesk/agentd/approval"
	"github.com/agentdesk/agentd/conversations"
)

// Config holds server configuration options.
type Config struct {
	Addr string
}

// Server is the daemon's HTTP server.
type Server struct {
	orch     *agent.Orchestrator
	sessions *conversations.Store
	gate     *approval.Gate
	logger   zerolog.Logger

	httpServer *http.Server
	startedAt  time.Time

	watchersMu sync.RWMutex
	watchers   map[*eventWatcher]struct{}
}

// New creates the HTTP server.
func New(cfg Config, orch *agent.Orchestrator, sessions *conversations.Store, gate *approval.Gate, logger zerolog.Logger) *Server {
	s := &Server{
		orch:     orch,
		sessions: sessions,
		gate:     gate,
		logger:   logger.With().Str("component", "http_server").Logger(),
		watchers: make(map[*eventWatcher]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /agents/{id}/conversation", s.handleGetConversation)
	mux.HandleFunc("POST /agents/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /agents/{id}/start", s.handleStartAgent)
	mux.HandleFunc("GET /agents/{id}/approvals", s.handleListAgentApprovals)
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{id}/decision", s.handleDecideApproval)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "started_at": s.startedAt})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	history, err := s.sessions.History(r.Context(), agentID, false)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Failed to load conversation")
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "messages": history})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := s.orch.SendMessage(r.Context(), agentID, payload.Text)
	if err != nil {
		if errors.Is(err, agent.ErrAgentBusy) {
			writeError(w, http.StatusConflict, "agent is busy, retry after the current turn")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The relay is the single consumer of the event stream; websocket
	// subscribers get copies.
	go s.relayEvents(turn)

	reply, err := turn.Wait(r.Context())
	if err != nil && reply == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"reply": reply}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := s.orch.StartAgent(r.Context(), agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "started": true})
}

func (s *Server) handleListAgentApprovals(w http.ResponseWriter, r *http.Request) {
	s.listApprovals(w, r, r.PathValue("id"))
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	s.listApprovals(w, r, "")
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request, agentID string) {
	pending, err := s.gate.ListPending(r.Context(), agentID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending approvals")
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var payload struct {
		Approved  bool   `json:"approved"`
		Reason    string `json:"reason"`
		DecidedBy string `json:"decided_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := s.gate.Decide(r.Context(), id, payload.Approved, payload.DecidedBy, payload.Reason)
	if err != nil {
		var decided *approval.AlreadyDecidedError
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, http.StatusNotFound, "approval not found")
		case errors.As(err, &decided):
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"status":  decided.Status,
				"error":   err.Error(),
			})
		default:
			s.logger.Error().Err(err).Str("approval_id", id).Msg("Failed to decide approval")
			writeError(w, http.StatusInternalServerError, "failed to decide approval")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "record": record})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // nothing to do about a failed response write
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
