package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/delivery"
)

// registerSandboxRoutes exposes captured messages when the sandbox transport is active
func (s *Server) registerSandboxRoutes(r chi.Router) {
	if s.deps.Sandbox == nil {
		return
	}
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleSandboxList)
		r.Delete("/messages", s.handleSandboxClear)
		r.Get("/stats", s.handleSandboxStats)
		r.Put("/simulation", s.handleSandboxSimulation)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*delivery.Capture `json:"messages"`
	Total    int                 `json:"total"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := delivery.CaptureFilter{
		RecipientID: r.URL.Query().Get("recipient_id"),
		Limit:       limit,
		Offset:      offset,
	}

	captures, err := s.deps.Sandbox.Storage().List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list captures", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if captures == nil {
		captures = []*delivery.Capture{}
	}

	s.sendJSON(w, http.StatusOK, SandboxListResponse{Messages: captures, Total: len(captures)})
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid older_than format (use Go duration: 24h)")
			return
		}
		olderThan = d
	}

	count, err := s.deps.Sandbox.Storage().Clear(r.Context(), olderThan)
	if err != nil {
		s.logger.Error("failed to clear captures", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Sandbox.Storage().Count(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"total": count})
}

// SimulationRequest is the request for PUT /api/v1/sandbox/simulation
type SimulationRequest struct {
	Enabled     bool    `json:"enabled"`
	Probability float64 `json:"probability"`
}

// handleSandboxSimulation handles PUT /api/v1/sandbox/simulation
func (s *Server) handleSandboxSimulation(w http.ResponseWriter, r *http.Request) {
	var req SimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Probability < 0 || req.Probability > 1 {
		s.sendError(w, http.StatusBadRequest, "probability must be between 0 and 1")
		return
	}

	s.deps.Sandbox.SetErrorSimulation(req.Enabled, req.Probability)
	s.logger.Info("sandbox error simulation updated",
		"enabled", req.Enabled,
		"probability", req.Probability,
	)
	s.sendJSON(w, http.StatusOK, req)
}
