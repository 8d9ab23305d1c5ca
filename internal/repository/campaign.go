package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/schedule"
)

type campaignRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	Status          string    `db:"status"`
	SendSchedule    string    `db:"send_schedule"`
	SendImmediately bool      `db:"send_immediately"`
	DailyLimit      int       `db:"daily_limit"`
	ListID          string    `db:"list_id"`
	EmailAccountID  string    `db:"email_account_id"`
	FromName        string    `db:"from_name"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r campaignRow) model() models.Campaign {
	return models.Campaign{
		ID:              r.ID,
		Name:            r.Name,
		Status:          r.Status,
		Schedule:        schedule.Parse(r.SendSchedule),
		SendImmediately: r.SendImmediately,
		DailyLimit:      r.DailyLimit,
		ListID:          r.ListID,
		EmailAccountID:  r.EmailAccountID,
		FromName:        r.FromName,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

const campaignColumns = `id, name, status, send_schedule, send_immediately, daily_limit, list_id, email_account_id, from_name, created_at, updated_at`

type stepRow struct {
	ID         string    `db:"id"`
	CampaignID string    `db:"campaign_id"`
	StepOrder  int       `db:"step_order"`
	StepType   string    `db:"step_type"`
	Config     string    `db:"config"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r stepRow) model() (*models.Step, error) {
	body, err := models.DecodeStepBody(r.StepType, r.Config)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", r.ID, err)
	}
	return &models.Step{ID: r.ID, CampaignID: r.CampaignID, Order: r.StepOrder, Body: body, CreatedAt: r.CreatedAt}, nil
}

const stepColumns = `id, campaign_id, step_order, step_type, config, created_at`

// CampaignRepository manages campaigns and their steps
type CampaignRepository struct {
	db *db.DB
}

func NewCampaignRepository(db *db.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign in draft status
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.ID = newID()
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	c.CreatedAt = utc(time.Now())
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Name, c.Status, c.Schedule.String(), c.SendImmediately, c.DailyLimit,
		c.ListID, c.EmailAccountID, c.FromName, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	var row campaignRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	c := row.model()
	return &c, nil
}

// List returns all campaigns, newest first
func (r *CampaignRepository) List(ctx context.Context) ([]models.Campaign, error) {
	var rows []campaignRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	campaigns := make([]models.Campaign, 0, len(rows))
	for _, row := range rows {
		campaigns = append(campaigns, row.model())
	}
	return campaigns, nil
}

// SetStatus updates the campaign status
func (r *CampaignRepository) SetStatus(ctx context.Context, id, status string) error {
	if !models.IsValidCampaignStatus(status) {
		return fmt.Errorf("invalid campaign status %q", status)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`),
		status, utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Start (re)creates the execution state of a campaign: one in_progress row
// per active contact of its list, positioned at the first step and due at now.
// Existing execution rows are discarded. Returns the number of contacts enrolled.
func (r *CampaignRepository) Start(ctx context.Context, id string, now time.Time) (int, error) {
	now = utc(now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row campaignRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get campaign: %w", err)
	}

	var firstStepID string
	err = tx.GetContext(ctx, &firstStepID, tx.Rebind(`
		SELECT id FROM campaign_steps WHERE campaign_id = ? ORDER BY step_order ASC LIMIT 1`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNoSteps, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get first step: %w", err)
	}

	var contactIDs []string
	err = tx.SelectContext(ctx, &contactIDs, tx.Rebind(`
		SELECT id FROM contacts WHERE list_id = ? AND status = ? ORDER BY created_at, id`),
		row.ListID, models.ContactActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list contacts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM campaign_contacts WHERE campaign_id = ?`), id); err != nil {
		return 0, fmt.Errorf("failed to reset campaign contacts: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO campaign_contacts (id, campaign_id, contact_id, status, current_step_id, next_send_time, emails_sent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, contactID := range contactIDs {
		if _, err := stmt.ExecContext(ctx, newID(), id, contactID, models.StatusInProgress, firstStepID, now, now); err != nil {
			return 0, fmt.Errorf("failed to enroll contact: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`),
		models.CampaignRunning, now, id); err != nil {
		return 0, fmt.Errorf("failed to update campaign status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return len(contactIDs), nil
}

// Stats returns execution counts for a campaign
func (r *CampaignRepository) Stats(ctx context.Context, id string) (*models.CampaignStats, error) {
	stats := &models.CampaignStats{
		CampaignID: id,
		ByStatus:   make(map[string]int),
		Events:     make(map[string]int),
	}

	type count struct {
		Key   string `db:"k"`
		Count int    `db:"n"`
	}

	var byStatus []count
	if err := r.db.SelectContext(ctx, &byStatus, r.db.Rebind(`
		SELECT status AS k, COUNT(*) AS n FROM campaign_contacts WHERE campaign_id = ? GROUP BY status`), id); err != nil {
		return nil, fmt.Errorf("failed to count contacts: %w", err)
	}
	for _, c := range byStatus {
		stats.ByStatus[c.Key] = c.Count
		stats.Total += c.Count
	}

	var byEvent []count
	if err := r.db.SelectContext(ctx, &byEvent, r.db.Rebind(`
		SELECT event_type AS k, COUNT(*) AS n FROM email_events WHERE campaign_id = ? GROUP BY event_type`), id); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	for _, c := range byEvent {
		stats.Events[c.Key] = c.Count
	}

	return stats, nil
}

// StatusCounts returns campaign contact counts by status across all campaigns
func (r *CampaignRepository) StatusCounts(ctx context.Context) (map[string]int, error) {
	type count struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	var rows []count
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM campaign_contacts GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count contacts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, c := range rows {
		counts[c.Status] = c.Count
	}
	return counts, nil
}

// AddStep appends a step to a campaign. Order defaults to the next free position.
func (r *CampaignRepository) AddStep(ctx context.Context, s *models.Step) error {
	stepType, config, err := models.EncodeStepBody(s.Body)
	if err != nil {
		return err
	}
	if s.Order == 0 {
		var max sql.NullInt64
		if err := r.db.GetContext(ctx, &max, r.db.Rebind(`SELECT MAX(step_order) FROM campaign_steps WHERE campaign_id = ?`), s.CampaignID); err != nil {
			return fmt.Errorf("failed to get step order: %w", err)
		}
		s.Order = int(max.Int64) + 1
	}
	if s.ID == "" {
		s.ID = newID()
	}
	s.CreatedAt = utc(time.Now())

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO campaign_steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		s.ID, s.CampaignID, s.Order, stepType, config, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// ListSteps returns the steps of a campaign in order
func (r *CampaignRepository) ListSteps(ctx context.Context, campaignID string) ([]models.Step, error) {
	var rows []stepRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+stepColumns+` FROM campaign_steps WHERE campaign_id = ? ORDER BY step_order`), campaignID); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	steps := make([]models.Step, 0, len(rows))
	for _, row := range rows {
		s, err := row.model()
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, nil
}

// StepByOrder returns the step at the given position, or nil when there is none
func (r *CampaignRepository) StepByOrder(ctx context.Context, campaignID string, order int) (*models.Step, error) {
	var row stepRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+stepColumns+` FROM campaign_steps WHERE campaign_id = ? AND step_order = ?`), campaignID, order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return row.model()
}

// StepByID returns a step of the campaign, or nil when it does not belong to it
func (r *CampaignRepository) StepByID(ctx context.Context, campaignID, stepID string) (*models.Step, error) {
	var row stepRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+stepColumns+` FROM campaign_steps WHERE campaign_id = ? AND id = ?`), campaignID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return row.model()
}
