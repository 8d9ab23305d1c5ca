package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

type accountRow struct {
	ID                string    `db:"id"`
	Email             string    `db:"email"`
	Name              string    `db:"name"`
	Provider          string    `db:"provider"`
	DailyLimit        int       `db:"daily_limit"`
	IsActive          bool      `db:"is_active"`
	SMTPHost          string    `db:"smtp_host"`
	SMTPPort          int       `db:"smtp_port"`
	SMTPUsername      string    `db:"smtp_username"`
	SMTPPassword      string    `db:"smtp_password"`
	SMTPSecurity      string    `db:"smtp_security"`
	OAuthProvider     string    `db:"oauth_provider"`
	OAuthRefreshToken string    `db:"oauth_refresh_token"`
	APIKey            string    `db:"api_key"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r accountRow) model() models.EmailAccount {
	return models.EmailAccount{
		ID:                r.ID,
		Email:             r.Email,
		Name:              r.Name,
		Provider:          r.Provider,
		DailyLimit:        r.DailyLimit,
		IsActive:          r.IsActive,
		SMTPHost:          r.SMTPHost,
		SMTPPort:          r.SMTPPort,
		SMTPUsername:      r.SMTPUsername,
		SMTPPassword:      r.SMTPPassword,
		SMTPSecurity:      r.SMTPSecurity,
		OAuthProvider:     r.OAuthProvider,
		OAuthRefreshToken: r.OAuthRefreshToken,
		APIKey:            r.APIKey,
		CreatedAt:         r.CreatedAt,
	}
}

const accountColumns = `id, email, name, provider, daily_limit, is_active, smtp_host, smtp_port, smtp_username,
	smtp_password, smtp_security, oauth_provider, oauth_refresh_token, api_key, created_at`

// AccountRepository manages sending accounts and their campaign assignments
type AccountRepository struct {
	db *db.DB
}

func NewAccountRepository(db *db.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create creates a new sending account
func (r *AccountRepository) Create(ctx context.Context, a *models.EmailAccount) error {
	a.ID = newID()
	a.CreatedAt = utc(time.Now())

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO email_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Email, a.Name, a.Provider, a.DailyLimit, a.IsActive, a.SMTPHost, a.SMTPPort, a.SMTPUsername,
		a.SMTPPassword, a.SMTPSecurity, a.OAuthProvider, a.OAuthRefreshToken, a.APIKey, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID returns an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.EmailAccount, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+accountColumns+` FROM email_accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a := row.model()
	return &a, nil
}

// SetActive enables or disables an account
func (r *AccountRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE email_accounts SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// Assign adds an account to a campaign's rotation
func (r *AccountRepository) Assign(ctx context.Context, campaignID, accountID string) (string, error) {
	id := newID()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO campaign_email_accounts (id, campaign_id, email_account_id, emails_sent_today, counter_date, is_active, created_at)
		VALUES (?, ?, ?, 0, '', TRUE, ?)`),
		id, campaignID, accountID, utc(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to assign account: %w", err)
	}
	return id, nil
}

// CountAssignments returns how many rotation rows a campaign has, active or not
func (r *AccountRepository) CountAssignments(ctx context.Context, campaignID string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM campaign_email_accounts WHERE campaign_id = ?`), campaignID); err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return n, nil
}

type assignmentRow struct {
	AssignmentID    string     `db:"assignment_id"`
	CampaignID      string     `db:"campaign_id"`
	AssignActive    bool       `db:"assignment_active"`
	EmailsSentToday int        `db:"sent_today"`
	LastUsedAt      *time.Time `db:"last_used_at"`
	accountRow
}

// ListActiveAssignments returns the campaign's active assignments whose account
// is active, with emails_sent_today normalized to the UTC day of now.
func (r *AccountRepository) ListActiveAssignments(ctx context.Context, campaignID string, now time.Time) ([]models.Assignment, error) {
	var rows []assignmentRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT cea.id AS assignment_id, cea.campaign_id, cea.is_active AS assignment_active,
			CASE WHEN cea.counter_date = ? THEN cea.emails_sent_today ELSE 0 END AS sent_today,
			cea.last_used_at,
			a.id, a.email, a.name, a.provider, a.daily_limit, a.is_active, a.smtp_host, a.smtp_port, a.smtp_username,
			a.smtp_password, a.smtp_security, a.oauth_provider, a.oauth_refresh_token, a.api_key, a.created_at
		FROM campaign_email_accounts cea
		JOIN email_accounts a ON a.id = cea.email_account_id
		WHERE cea.campaign_id = ? AND cea.is_active = TRUE AND a.is_active = TRUE
		ORDER BY cea.created_at, cea.id`),
		DayKey(now), campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	assignments := make([]models.Assignment, 0, len(rows))
	for _, row := range rows {
		assignments = append(assignments, models.Assignment{
			ID:              row.AssignmentID,
			CampaignID:      row.CampaignID,
			IsActive:        row.AssignActive,
			EmailsSentToday: row.EmailsSentToday,
			LastUsedAt:      row.LastUsedAt,
			Account:         row.accountRow.model(),
		})
	}
	return assignments, nil
}

// Reserve atomically takes one send slot on an assignment for the UTC day of now.
// The counter restarts at 1 on the first reservation of a new day. It reports
// false when the assignment already reached limit today.
func (r *AccountRepository) Reserve(ctx context.Context, assignmentID string, limit int, now time.Time) (bool, error) {
	day := DayKey(now)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_email_accounts SET
			emails_sent_today = CASE WHEN counter_date = ? THEN emails_sent_today + 1 ELSE 1 END,
			counter_date = ?,
			last_used_at = ?
		WHERE id = ? AND (counter_date <> ? OR emails_sent_today < ?)`),
		day, day, utc(now), assignmentID, day, limit,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve send slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reserve send slot: %w", err)
	}
	return n == 1, nil
}

// Release returns a slot taken by Reserve when the send did not happen
func (r *AccountRepository) Release(ctx context.Context, assignmentID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_email_accounts SET emails_sent_today = emails_sent_today - 1
		WHERE id = ? AND counter_date = ? AND emails_sent_today > 0`),
		assignmentID, DayKey(now),
	)
	if err != nil {
		return fmt.Errorf("failed to release send slot: %w", err)
	}
	return nil
}
