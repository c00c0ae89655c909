package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/history"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/settings"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Scheduler bool   `json:"scheduler_running"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SendRequest is the request body for POST /api/v1/send
type SendRequest struct {
	RecipientID string `json:"recipient_id"`
	// Message is delivered verbatim when set; otherwise content is generated
	Message *string `json:"message,omitempty"`
}

// SettingsBody is the wire form of the automation settings.
// Durations use Go duration strings ("45s", "168h").
type SettingsBody struct {
	Enabled           bool                 `json:"enabled"`
	MaxPerHour        int                  `json:"max_per_hour"`
	MaxPerDay         int                  `json:"max_per_day"`
	MinDelay          string               `json:"min_delay"`
	Cooldown          string               `json:"cooldown"`
	ModelID           string               `json:"model_id"`
	SenderDisplayName string               `json:"sender_display_name"`
	Targeting         eligibility.Criteria `json:"targeting"`
	UpdatedAt         *time.Time           `json:"updated_at,omitempty"`
}

// RecipientListResponse is the response for GET /api/v1/recipients
type RecipientListResponse struct {
	Recipients []*recipient.Recipient `json:"recipients"`
	Total      int                    `json:"total"`
}

// UpsertResponse is the response for POST /api/v1/recipients
type UpsertResponse struct {
	Received int `json:"received"`
	Created  int `json:"created"`
}

// HistoryResponse is the response for GET /api/v1/history and /api/v1/drafts
type HistoryResponse struct {
	Records []*history.Record `json:"records"`
	Total   int               `json:"total"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Automation != nil {
		resp.Scheduler = s.deps.Automation.Status().Running
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	budget, err := s.deps.Admission.Estimate(r.Context())
	if err != nil {
		s.logger.Error("failed to estimate budget", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	s.sendJSON(w, http.StatusOK, budget)
}

// handleStatsReset handles POST /api/v1/stats/reset
func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Stats.Reset(r.Context()); err != nil {
		s.logger.Error("failed to reset stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to reset stats")
		return
	}

	stats, err := s.deps.Stats.Current(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}

	s.logger.Info("usage stats reset via API")
	s.sendJSON(w, http.StatusOK, stats)
}

// handleAdmission handles GET /api/v1/admission
func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Admission.CanSend(r.Context())
	if err != nil {
		s.logger.Error("failed to check admission", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to check admission")
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		s.sendError(w, http.StatusBadRequest, "recipient_id is required")
		return
	}
	if req.Message != nil && strings.TrimSpace(*req.Message) == "" {
		s.sendError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	target, err := s.deps.Recipients.Get(r.Context(), req.RecipientID)
	if err != nil {
		if errors.Is(err, recipient.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Recipient not found")
			return
		}
		s.logger.Error("failed to get recipient", "id", req.RecipientID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get recipient")
		return
	}

	// a client that hangs up mid-pacing must not abandon a stored draft
	ctx := dispatch.WithOrigin(context.WithoutCancel(r.Context()), dispatch.OriginManual)
	res, err := s.deps.Sender.Send(ctx, target, req.Message)
	if err != nil {
		s.logger.Error("send attempt aborted", "id", req.RecipientID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Send attempt aborted")
		return
	}

	s.sendJSON(w, resultStatus(w, res), res)
}

// resultStatus maps an attempt outcome to an HTTP status
func resultStatus(w http.ResponseWriter, res *dispatch.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case dispatch.KindAdmissionDenied:
		if res.RetryAfter > 0 {
			secs := int((res.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		return http.StatusTooManyRequests
	case dispatch.KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// handleSchedulerStatus handles GET /api/v1/scheduler/status
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Automation.Status())
}

// handleSchedulerStart handles POST /api/v1/scheduler/start
func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Automation.Start(r.Context()); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to start scheduler")
		return
	}
	s.sendJSON(w, http.StatusOK, s.deps.Automation.Status())
}

// handleSchedulerStop handles POST /api/v1/scheduler/stop
func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Automation.Stop(r.Context()); err != nil {
		s.logger.Error("failed to stop scheduler", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to stop scheduler")
		return
	}
	s.sendJSON(w, http.StatusOK, s.deps.Automation.Status())
}

// handleSettingsGet handles GET /api/v1/settings
func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, toSettingsBody(s.deps.Automation.Settings()))
}

// handleSettingsUpdate handles PUT /api/v1/settings.
// Fields missing from the body keep their current values.
func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	body := toSettingsBody(s.deps.Automation.Settings())
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	next, err := fromSettingsBody(body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.deps.Automation.UpdateSettings(r.Context(), next)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to update settings", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}

	s.logger.Info("automation settings updated via API",
		"enabled", saved.Enabled,
		"max_per_hour", saved.Policy.MaxPerHour,
		"max_per_day", saved.Policy.MaxPerDay,
	)
	s.sendJSON(w, http.StatusOK, toSettingsBody(saved))
}

func toSettingsBody(st settings.Settings) SettingsBody {
	b := SettingsBody{
		Enabled:           st.Enabled,
		MaxPerHour:        st.Policy.MaxPerHour,
		MaxPerDay:         st.Policy.MaxPerDay,
		MinDelay:          st.Policy.MinDelayBetweenSends.String(),
		Cooldown:          st.Policy.CooldownPerRecipient.String(),
		ModelID:           st.ModelID,
		SenderDisplayName: st.SenderDisplayName,
		Targeting:         st.Criteria,
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		b.UpdatedAt = &t
	}
	return b
}

func fromSettingsBody(b SettingsBody) (settings.Settings, error) {
	minDelay, err := parseDuration(b.MinDelay)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("invalid min_delay: %w", err)
	}
	cooldown, err := parseDuration(b.Cooldown)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("invalid cooldown: %w", err)
	}

	return settings.Settings{
		Enabled: b.Enabled,
		Policy: ratelimit.Policy{
			MaxPerHour:           b.MaxPerHour,
			MaxPerDay:            b.MaxPerDay,
			MinDelayBetweenSends: minDelay,
			CooldownPerRecipient: cooldown,
		}.WithDefaults(),
		ModelID:           strings.TrimSpace(b.ModelID),
		SenderDisplayName: strings.TrimSpace(b.SenderDisplayName),
		Criteria:          b.Targeting,
	}, nil
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// handleRecipientsList handles GET /api/v1/recipients
func (s *Server) handleRecipientsList(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Recipients.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list recipients")
		return
	}

	if r.URL.Query().Get("eligible") == "true" {
		st := s.deps.Automation.Settings()
		all = s.deps.Selector.Select(all, st.Policy, st.Criteria)
	}

	total := len(all)
	limit, offset := pagination(r)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	s.sendJSON(w, http.StatusOK, RecipientListResponse{Recipients: all, Total: total})
}

// handleRecipientGet handles GET /api/v1/recipients/{id}
func (s *Server) handleRecipientGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.deps.Recipients.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, recipient.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Recipient not found")
			return
		}
		s.logger.Error("failed to get recipient", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get recipient")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleRecipientsUpsert handles POST /api/v1/recipients.
// Contact counters in the body are ignored.
func (s *Server) handleRecipientsUpsert(w http.ResponseWriter, r *http.Request) {
	var batch []*recipient.Recipient
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body: expected an array of recipients")
		return
	}
	if len(batch) == 0 {
		s.sendError(w, http.StatusBadRequest, "At least one recipient is required")
		return
	}
	for _, rec := range batch {
		if rec == nil {
			s.sendError(w, http.StatusBadRequest, "Recipient must not be null")
			return
		}
		rec.MessageCount = 0
		rec.LastContactedAt = nil
		if err := rec.Validate(); err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	created, err := s.deps.Recipients.Upsert(r.Context(), batch...)
	if err != nil {
		s.logger.Error("failed to upsert recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store recipients")
		return
	}

	s.logger.Info("recipients upserted via API", "received", len(batch), "created", created)
	s.sendJSON(w, http.StatusOK, UpsertResponse{Received: len(batch), Created: created})
}

// handleHistory handles GET /api/v1/history and GET /api/v1/drafts
func (s *Server) handleHistory(kind history.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		filter := history.ListFilter{
			RecipientID: r.URL.Query().Get("recipient_id"),
			FailedOnly:  r.URL.Query().Get("failed") == "true",
			Limit:       limit,
			Offset:      offset,
		}

		records, err := s.deps.History.List(r.Context(), kind, filter)
		if err != nil {
			s.logger.Error("failed to list history", "kind", kind, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to list history")
			return
		}
		total, err := s.deps.History.Count(r.Context(), kind)
		if err != nil {
			s.logger.Error("failed to count history", "kind", kind, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to list history")
			return
		}

		if records == nil {
			records = []*history.Record{}
		}
		s.sendJSON(w, http.StatusOK, HistoryResponse{Records: records, Total: total})
	}
}

// handleDataReset handles POST /api/v1/data/reset?confirm=true
func (s *Server) handleDataReset(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		s.sendError(w, http.StatusBadRequest, "Data reset requires confirm=true")
		return
	}

	if err := s.deps.Data.ResetData(r.Context()); err != nil {
		s.logger.Error("failed to reset data", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to reset data")
		return
	}

	s.logger.Warn("all data reset via API", "remote_addr", r.RemoteAddr)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
			if limit > maxListLimit {
				limit = maxListLimit // Prevent DoS via excessive limit
			}
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
