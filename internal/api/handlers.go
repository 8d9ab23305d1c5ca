package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Uptime   string         `json:"uptime"`
	Contacts map[string]int `json:"contacts,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventRequest is the request body for POST /api/v1/events
type EventRequest struct {
	CampaignID string         `json:"campaign_id"`
	ContactID  string         `json:"contact_id"`
	StepID     string         `json:"step_id,omitempty"`
	Type       string         `json:"event_type"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CycleResponse is the response for POST /api/v1/cycles
type CycleResponse struct {
	Claimed  int            `json:"claimed"`
	Outcomes map[string]int `json:"outcomes"`
	Duration string         `json:"duration"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.deps.Campaigns != nil {
		counts, err := s.deps.Campaigns.StatusCounts(r.Context())
		if err != nil {
			s.logger.Error("health check failed", "error", err)
			resp.Status = "degraded"
			sendJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Contacts = counts
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleRunCycle handles POST /api/v1/cycles
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		sendError(w, http.StatusServiceUnavailable, "Engine not available")
		return
	}

	result, err := s.deps.Runner.RunCycle(r.Context())
	if err != nil {
		s.logger.Error("manual cycle aborted", "error", err)
		sendError(w, http.StatusServiceUnavailable, "Cycle aborted: "+err.Error())
		return
	}

	sendJSON(w, http.StatusOK, CycleResponse{
		Claimed:  result.Claimed,
		Outcomes: result.Outcomes,
		Duration: result.Duration.String(),
	})
}

// externalEvent reports whether an event type may be ingested over the API.
// sent and failed are written by the engine only.
func externalEvent(t string) bool {
	switch t {
	case models.EventOpened, models.EventClicked, models.EventReplied, models.EventUnsubscribed:
		return true
	}
	return false
}

// occurredAt resolves the event time. A client timestamp may not lie in the
// future or before the contact's latest event, so the log stays ordered for
// condition evaluation.
func (s *Server) occurredAt(ctx context.Context, req *EventRequest) (time.Time, error) {
	now := s.now()
	occurred := now
	if req.OccurredAt != nil && req.OccurredAt.Before(now) {
		occurred = *req.OccurredAt
	}
	latest, err := s.deps.Events.LatestForContact(ctx, req.CampaignID, req.ContactID)
	if err != nil {
		return time.Time{}, err
	}
	if occurred.Before(latest) {
		occurred = latest
	}
	return occurred, nil
}

// handleEvent handles POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CampaignID == "" || req.ContactID == "" {
		sendError(w, http.StatusBadRequest, "campaign_id and contact_id are required")
		return
	}
	if !externalEvent(req.Type) {
		sendError(w, http.StatusBadRequest, "event_type must be opened, clicked, replied or unsubscribed")
		return
	}

	ctx := r.Context()

	// Terminal signals win over any engine state, including an in-flight claim
	switch req.Type {
	case models.EventReplied, models.EventUnsubscribed:
		err := s.deps.Executions.SetExternalStatus(ctx, req.CampaignID, req.ContactID, req.Type)
		if errors.Is(err, repository.ErrNotFound) {
			sendError(w, http.StatusNotFound, "Contact is not part of this campaign")
			return
		}
		if err != nil {
			s.logger.Error("failed to apply signal", "campaign_id", req.CampaignID, "contact_id", req.ContactID, "error", err)
			sendError(w, http.StatusInternalServerError, "Failed to apply signal")
			return
		}
	}
	if req.Type == models.EventUnsubscribed && s.deps.Contacts != nil {
		if err := s.deps.Contacts.SetStatus(ctx, req.ContactID, models.ContactUnsubscribed); err != nil {
			s.logger.Warn("failed to unsubscribe contact", "contact_id", req.ContactID, "error", err)
		}
	}

	occurred, err := s.occurredAt(ctx, &req)
	if err != nil {
		s.logger.Error("failed to read latest event", "campaign_id", req.CampaignID, "contact_id", req.ContactID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}
	ev := &models.EmailEvent{
		CampaignID: req.CampaignID,
		ContactID:  req.ContactID,
		StepID:     req.StepID,
		Type:       req.Type,
		OccurredAt: occurred,
		Metadata:   req.Metadata,
	}
	if err := s.deps.Events.Append(ctx, ev); err != nil {
		s.logger.Error("failed to record event", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	s.logger.Info("engagement event recorded",
		"campaign_id", ev.CampaignID,
		"contact_id", ev.ContactID,
		"event_type", ev.Type,
	)
	sendJSON(w, http.StatusCreated, ev)
}

// handleContactList handles GET /api/v1/campaigns/{id}/contacts
func (s *Server) handleContactList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := r.URL.Query().Get("status")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = min(l, 1000)
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}

	contacts, err := s.deps.Executions.ListByCampaign(r.Context(), id, status, limit, offset)
	if err != nil {
		s.logger.Error("failed to list contacts", "campaign_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"contacts": contacts,
		"total":    len(contacts),
	})
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
