package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
)

// handleCampaignList handles GET /api/v1/campaigns
func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.deps.Campaigns.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"total":     len(campaigns),
	})
}

// loadCampaign writes the error response itself and returns nil when the
// campaign cannot be loaded
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) *models.Campaign {
	id := chi.URLParam(r, "id")
	c, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Campaign not found")
		return nil
	}
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil
	}
	return c
}

// handleCampaignGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	if c := s.loadCampaign(w, r); c != nil {
		sendJSON(w, http.StatusOK, c)
	}
}

// handleCampaignStart handles POST /api/v1/campaigns/{id}/start.
// Starting again re-enrolls every active contact from the first step.
func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	enrolled, err := s.deps.Campaigns.Start(r.Context(), id, s.now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		sendError(w, http.StatusNotFound, "Campaign not found")
		return
	case errors.Is(err, repository.ErrNoSteps):
		sendError(w, http.StatusConflict, "Campaign has no steps")
		return
	case err != nil:
		s.logger.Error("failed to start campaign", "campaign_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to start campaign")
		return
	}

	s.logger.Info("campaign started", "campaign_id", id, "enrolled", enrolled)
	sendJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"status":      models.CampaignRunning,
		"enrolled":    enrolled,
	})
}

// handleCampaignPause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.setCampaignStatus(w, r, models.CampaignPaused)
}

// handleCampaignResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.setCampaignStatus(w, r, models.CampaignRunning)
}

func (s *Server) setCampaignStatus(w http.ResponseWriter, r *http.Request, status string) {
	c := s.loadCampaign(w, r)
	if c == nil {
		return
	}
	if c.Status == models.CampaignDraft {
		sendError(w, http.StatusConflict, "Campaign was never started")
		return
	}

	if err := s.deps.Campaigns.SetStatus(r.Context(), c.ID, status); err != nil {
		s.logger.Error("failed to update campaign", "campaign_id", c.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to update campaign")
		return
	}

	s.logger.Info("campaign status changed", "campaign_id", c.ID, "from", c.Status, "to", status)
	sendJSON(w, http.StatusOK, map[string]string{
		"campaign_id": c.ID,
		"status":      status,
	})
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c := s.loadCampaign(w, r)
	if c == nil {
		return
	}
	stats, err := s.deps.Campaigns.Stats(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("failed to get stats", "campaign_id", c.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// handleStepList handles GET /api/v1/campaigns/{id}/steps
func (s *Server) handleStepList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	steps, err := s.deps.Campaigns.ListSteps(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list steps", "campaign_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list steps")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// handleStepCreate handles POST /api/v1/campaigns/{id}/steps
func (s *Server) handleStepCreate(w http.ResponseWriter, r *http.Request) {
	c := s.loadCampaign(w, r)
	if c == nil {
		return
	}

	var step models.Step
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid step: "+err.Error())
		return
	}
	if err := s.validateStep(&step); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	step.ID = ""
	step.CampaignID = c.ID

	if err := s.deps.Campaigns.AddStep(r.Context(), &step); err != nil {
		s.logger.Error("failed to add step", "campaign_id", c.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to add step")
		return
	}
	sendJSON(w, http.StatusCreated, step)
}

// validateStep rejects steps the engine could only fail at run time
func (s *Server) validateStep(step *models.Step) error {
	if step.Order < 0 {
		return fmt.Errorf("step_order must not be negative")
	}
	switch body := step.Body.(type) {
	case models.EmailStep:
		if body.Subject == "" && body.Body == "" {
			return fmt.Errorf("email step needs a subject or body")
		}
	case models.WaitStep:
		if body.Days < 0 || body.Hours < 0 || body.Minutes < 0 {
			return fmt.Errorf("wait step durations must not be negative")
		}
	case models.ConditionStep:
		if len(body.Branches) == 0 && body.Legacy == nil {
			return fmt.Errorf("condition step needs branches")
		}
		for i, b := range body.Branches {
			if b.Expression != "" {
				if s.deps.Conditions != nil {
					if err := s.deps.Conditions.Validate(b.Expression); err != nil {
						return fmt.Errorf("branch %d: %w", i, err)
					}
				}
				continue
			}
			if !models.IsValidCondition(b.Condition) {
				return fmt.Errorf("branch %d: unknown condition %q", i, b.Condition)
			}
		}
		if body.Legacy != nil && !models.IsValidCondition(body.Legacy.Condition) {
			return fmt.Errorf("legacy condition %q is unknown", body.Legacy.Condition)
		}
	}
	return nil
}
