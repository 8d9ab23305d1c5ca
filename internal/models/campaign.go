package models

import (
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/schedule"
)

// Campaign statuses
const (
	CampaignDraft   = "draft"
	CampaignRunning = "running"
	CampaignPaused  = "paused"
)

// Campaign is a multi-step outreach sequence targeting one contact list
type Campaign struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	Schedule        schedule.Spec `json:"send_schedule"`
	SendImmediately bool          `json:"send_immediately"`
	DailyLimit      int           `json:"daily_limit"`
	ListID          string        `json:"list_id"`
	EmailAccountID  string        `json:"email_account_id,omitempty"`
	FromName        string        `json:"from_name,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsValidCampaignStatus reports whether s is a known campaign status
func IsValidCampaignStatus(s string) bool {
	switch s {
	case CampaignDraft, CampaignRunning, CampaignPaused:
		return true
	}
	return false
}

// CampaignStats summarizes execution state of a campaign
type CampaignStats struct {
	CampaignID string         `json:"campaign_id"`
	ByStatus   map[string]int `json:"by_status"`
	Events     map[string]int `json:"events"`
	Total      int            `json:"total"`
}
