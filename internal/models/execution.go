package models

import "time"

// CampaignContact statuses
const (
	StatusInProgress   = "in_progress"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusReplied      = "replied"
	StatusUnsubscribed = "unsubscribed"
)

// IsTerminalStatus reports whether the engine must stop advancing a contact in status s
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusReplied, StatusUnsubscribed:
		return true
	}
	return false
}

// CampaignContact is the execution cursor of one contact through one campaign
type CampaignContact struct {
	ID            string     `json:"id"`
	CampaignID    string     `json:"campaign_id"`
	ContactID     string     `json:"contact_id"`
	Status        string     `json:"status"`
	CurrentStepID string     `json:"current_step_id"`
	NextSendTime  time.Time  `json:"next_send_time"`
	EmailsSent    int        `json:"emails_sent"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimToken    string     `json:"-"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Claim identifies one claim on a campaign contact. Writes made under a claim
// only apply while the row is still processing under the same token.
type Claim struct {
	ID    string
	Token string
}

// Claim returns the claim this executor holds on the row
func (c *CampaignContact) Claim() Claim {
	return Claim{ID: c.ID, Token: c.ClaimToken}
}

// ClaimedContact is a campaign contact held in processing by this executor,
// joined with everything a step processor needs.
// Step is nil when the current step no longer exists.
type ClaimedContact struct {
	CampaignContact
	Campaign Campaign
	Contact  Contact
	Step     *Step
}
