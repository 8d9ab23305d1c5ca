package models

import "time"

// Account providers
const (
	ProviderSMTP     = "smtp"
	ProviderOAuth    = "oauth"
	ProviderSendGrid = "sendgrid"
	ProviderSandbox  = "sandbox"
)

// SMTP security modes
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

// EmailAccount is a sending identity
type EmailAccount struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	DailyLimit int    `json:"daily_limit"`
	IsActive   bool   `json:"is_active"`

	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPUsername string `json:"smtp_username,omitempty"`
	SMTPPassword string `json:"-"`
	SMTPSecurity string `json:"smtp_security,omitempty"`

	OAuthProvider     string `json:"oauth_provider,omitempty"`
	OAuthRefreshToken string `json:"-"`

	APIKey string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// Assignment links an account to a campaign for rotation.
// EmailsSentToday is already normalized to the current day.
type Assignment struct {
	ID              string       `json:"id"`
	CampaignID      string       `json:"campaign_id"`
	IsActive        bool         `json:"is_active"`
	EmailsSentToday int          `json:"emails_sent_today"`
	LastUsedAt      *time.Time   `json:"last_used_at,omitempty"`
	Account         EmailAccount `json:"account"`
}
