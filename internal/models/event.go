package models

import "time"

// Event types
const (
	EventSent         = "sent"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventReplied      = "replied"
	EventFailed       = "failed"
	EventUnsubscribed = "unsubscribed"
)

// IsValidEventType reports whether t is a known event type
func IsValidEventType(t string) bool {
	switch t {
	case EventSent, EventOpened, EventClicked, EventReplied, EventFailed, EventUnsubscribed:
		return true
	}
	return false
}

// EmailEvent is an append-only delivery lifecycle record
type EmailEvent struct {
	ID             string         `json:"id"`
	CampaignID     string         `json:"campaign_id"`
	ContactID      string         `json:"contact_id"`
	StepID         string         `json:"step_id,omitempty"`
	EmailAccountID string         `json:"email_account_id,omitempty"`
	Type           string         `json:"event_type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
