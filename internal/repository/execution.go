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
	"github.com/jmoiron/sqlx"
)

// ErrNotClaimed is returned when a write under a claim finds the row no longer
// processing under that claim: an external signal moved it to replied or
// unsubscribed, or a stale reclaim handed it to another executor.
var ErrNotClaimed = errors.New("campaign contact is not claimed")

type executionRow struct {
	ID            string     `db:"id"`
	CampaignID    string     `db:"campaign_id"`
	ContactID     string     `db:"contact_id"`
	Status        string     `db:"status"`
	CurrentStepID string     `db:"current_step_id"`
	NextSendTime  time.Time  `db:"next_send_time"`
	EmailsSent    int        `db:"emails_sent"`
	ClaimedAt     *time.Time `db:"claimed_at"`
	ClaimToken    string     `db:"claim_token"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r executionRow) model() models.CampaignContact {
	return models.CampaignContact{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		ContactID:     r.ContactID,
		Status:        r.Status,
		CurrentStepID: r.CurrentStepID,
		NextSendTime:  r.NextSendTime,
		EmailsSent:    r.EmailsSent,
		ClaimedAt:     r.ClaimedAt,
		ClaimToken:    r.ClaimToken,
		UpdatedAt:     r.UpdatedAt,
	}
}

const executionColumns = `id, campaign_id, contact_id, status, current_step_id, next_send_time, emails_sent, claimed_at, claim_token, updated_at`

type claimedRow struct {
	executionRow

	CampaignName            string `db:"c_name"`
	CampaignStatus          string `db:"c_status"`
	CampaignSchedule        string `db:"c_send_schedule"`
	CampaignSendImmediately bool   `db:"c_send_immediately"`
	CampaignDailyLimit      int    `db:"c_daily_limit"`
	CampaignListID          string `db:"c_list_id"`
	CampaignAccountID       string `db:"c_email_account_id"`
	CampaignFromName        string `db:"c_from_name"`

	ContactListID       string `db:"ct_list_id"`
	ContactEmail        string `db:"ct_email"`
	ContactFirstName    string `db:"ct_first_name"`
	ContactLastName     string `db:"ct_last_name"`
	ContactCompany      string `db:"ct_company"`
	ContactCustomFields string `db:"ct_custom_fields"`
	ContactStatus       string `db:"ct_status"`

	StepID     sql.NullString `db:"s_id"`
	StepOrder  sql.NullInt64  `db:"s_step_order"`
	StepType   sql.NullString `db:"s_step_type"`
	StepConfig sql.NullString `db:"s_config"`
}

// model converts the joined row. A step whose config cannot be decoded is
// reported as an error alongside the otherwise complete contact.
func (r claimedRow) model() (models.ClaimedContact, error) {
	cc := models.ClaimedContact{
		CampaignContact: r.executionRow.model(),
		Campaign: models.Campaign{
			ID:              r.CampaignID,
			Name:            r.CampaignName,
			Status:          r.CampaignStatus,
			Schedule:        schedule.Parse(r.CampaignSchedule),
			SendImmediately: r.CampaignSendImmediately,
			DailyLimit:      r.CampaignDailyLimit,
			ListID:          r.CampaignListID,
			EmailAccountID:  r.CampaignAccountID,
			FromName:        r.CampaignFromName,
		},
		Contact: models.Contact{
			ID:           r.ContactID,
			ListID:       r.ContactListID,
			Email:        r.ContactEmail,
			FirstName:    r.ContactFirstName,
			LastName:     r.ContactLastName,
			Company:      r.ContactCompany,
			CustomFields: decodeFields(r.ContactCustomFields),
			Status:       r.ContactStatus,
		},
	}
	if !r.StepID.Valid {
		return cc, nil
	}
	body, err := models.DecodeStepBody(r.StepType.String, r.StepConfig.String)
	if err != nil {
		return cc, fmt.Errorf("step %s: %w", r.StepID.String, err)
	}
	cc.Step = &models.Step{
		ID:         r.StepID.String,
		CampaignID: r.CampaignID,
		Order:      int(r.StepOrder.Int64),
		Body:       body,
	}
	return cc, nil
}

// CampaignContactRepository owns the execution state of contacts in campaigns
type CampaignContactRepository struct {
	db *db.DB
}

func NewCampaignContactRepository(db *db.DB) *CampaignContactRepository {
	return &CampaignContactRepository{db: db}
}

// ClaimDue moves up to limit due contacts of running campaigns from in_progress
// to processing and returns the ones this caller won. The transition is a
// conditional update on the pre-claim status, so concurrent callers never
// receive the same contact. Every claimed row carries a fresh claim token.
//
// Rows whose step config is corrupt are still returned with a nil Step so the
// caller can fail them and release the claim.
func (r *CampaignContactRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ClaimedContact, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = utc(now)

	token := newID()
	var ids []string
	var err error
	if r.db.IsPostgres() {
		ids, err = r.claimPostgres(ctx, now, token, limit)
	} else {
		ids, err = r.claimConditional(ctx, now, token, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.loadClaimed(ctx, ids)
}

// claimPostgres identifies and claims in one statement; SKIP LOCKED keeps
// concurrent executors off each other's candidate rows.
func (r *CampaignContactRepository) claimPostgres(ctx context.Context, now time.Time, token string, limit int) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		UPDATE campaign_contacts SET status = 'processing', claimed_at = ?, claim_token = ?, updated_at = ?
		WHERE id IN (
			SELECT cc.id FROM campaign_contacts cc
			JOIN campaigns c ON c.id = cc.campaign_id
			WHERE cc.status = 'in_progress' AND c.status = 'running' AND cc.next_send_time <= ?
			ORDER BY cc.next_send_time
			LIMIT ?
			FOR UPDATE OF cc SKIP LOCKED
		) AND status = 'in_progress'
		RETURNING id`),
		now, token, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim contacts: %w", err)
	}
	return ids, nil
}

// claimConditional identifies candidates, then claims each with a
// compare-and-swap on status. Only rows whose swap affected one row are kept.
func (r *CampaignContactRepository) claimConditional(ctx context.Context, now time.Time, token string, limit int) ([]string, error) {
	var candidates []string
	err := r.db.SelectContext(ctx, &candidates, r.db.Rebind(`
		SELECT cc.id FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		WHERE cc.status = 'in_progress' AND c.status = 'running' AND cc.next_send_time <= ?
		ORDER BY cc.next_send_time
		LIMIT ?`),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find due contacts: %w", err)
	}

	claim := r.db.Rebind(`
		UPDATE campaign_contacts SET status = 'processing', claimed_at = ?, claim_token = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`)

	claimed := make([]string, 0, len(candidates))
	for _, id := range candidates {
		res, err := r.db.ExecContext(ctx, claim, now, token, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim contact: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to claim contact: %w", err)
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func (r *CampaignContactRepository) loadClaimed(ctx context.Context, ids []string) ([]models.ClaimedContact, error) {
	query, args, err := sqlx.In(`
		SELECT cc.id, cc.campaign_id, cc.contact_id, cc.status, cc.current_step_id, cc.next_send_time,
			cc.emails_sent, cc.claimed_at, cc.claim_token, cc.updated_at,
			c.name AS c_name, c.status AS c_status, c.send_schedule AS c_send_schedule,
			c.send_immediately AS c_send_immediately, c.daily_limit AS c_daily_limit,
			c.list_id AS c_list_id, c.email_account_id AS c_email_account_id, c.from_name AS c_from_name,
			ct.list_id AS ct_list_id, ct.email AS ct_email, ct.first_name AS ct_first_name,
			ct.last_name AS ct_last_name, ct.company AS ct_company, ct.custom_fields AS ct_custom_fields,
			ct.status AS ct_status,
			s.id AS s_id, s.step_order AS s_step_order, s.step_type AS s_step_type, s.config AS s_config
		FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		JOIN contacts ct ON ct.id = cc.contact_id
		LEFT JOIN campaign_steps s ON s.id = cc.current_step_id AND s.campaign_id = cc.campaign_id
		WHERE cc.id IN (?)
		ORDER BY cc.next_send_time, cc.id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	var rows []claimedRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load claimed contacts: %w", err)
	}

	claimed := make([]models.ClaimedContact, 0, len(rows))
	for _, row := range rows {
		cc, err := row.model()
		if err != nil {
			// Leave Step nil; the engine fails the contact.
			cc.Step = nil
		}
		claimed = append(claimed, cc)
	}
	return claimed, nil
}

// release updates a processing row back out of the claim. The status and
// token guard keeps externally set replied and unsubscribed rows untouched,
// as well as rows reclaimed and claimed again by another executor.
func release(ctx context.Context, ext sqlx.ExtContext, claim models.Claim, set string, args ...any) error {
	args = append(args, claim.ID, claim.Token)
	res, err := ext.ExecContext(ctx, ext.Rebind(`
		UPDATE campaign_contacts SET `+set+`, claimed_at = NULL, claim_token = ''
		WHERE id = ? AND status = 'processing' AND claim_token = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update campaign contact: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Touch refreshes claimed_at of a held claim so ReclaimStale leaves it alone
// while work on the contact is under way.
func (r *CampaignContactRepository) Touch(ctx context.Context, claim models.Claim, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_contacts SET claimed_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`),
		utc(now), claim.ID, claim.Token,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to refresh claim: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Reschedule releases the claim and keeps the current step, due at next
func (r *CampaignContactRepository) Reschedule(ctx context.Context, claim models.Claim, next time.Time) error {
	return release(ctx, r.db.DB, claim, "status = ?, next_send_time = ?, updated_at = ?",
		models.StatusInProgress, utc(next), utc(time.Now()))
}

// Advance releases the claim positioned at stepID, due at next
func (r *CampaignContactRepository) Advance(ctx context.Context, claim models.Claim, stepID string, next time.Time) error {
	return release(ctx, r.db.DB, claim, "status = ?, current_step_id = ?, next_send_time = ?, updated_at = ?",
		models.StatusInProgress, stepID, utc(next), utc(time.Now()))
}

// Complete marks the contact as having finished the campaign
func (r *CampaignContactRepository) Complete(ctx context.Context, claim models.Claim) error {
	return release(ctx, r.db.DB, claim, "status = ?, updated_at = ?", models.StatusCompleted, utc(time.Now()))
}

// Fail marks the contact as failed
func (r *CampaignContactRepository) Fail(ctx context.Context, claim models.Claim) error {
	return release(ctx, r.db.DB, claim, "status = ?, updated_at = ?", models.StatusFailed, utc(time.Now()))
}

// SendResult describes the state after a successful send. An empty NextStepID
// completes the contact.
type SendResult struct {
	Event      *models.EmailEvent
	NextStepID string
	NextSendAt time.Time
}

// RecordSend appends the sent event, bumps emails_sent and moves the contact
// on, all in one transaction.
func (r *CampaignContactRepository) RecordSend(ctx context.Context, claim models.Claim, result SendResult) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, result.Event); err != nil {
		return err
	}

	now := utc(time.Now())
	if result.NextStepID == "" {
		err = release(ctx, tx, claim, "status = ?, emails_sent = emails_sent + 1, updated_at = ?",
			models.StatusCompleted, now)
	} else {
		err = release(ctx, tx, claim, "status = ?, emails_sent = emails_sent + 1, current_step_id = ?, next_send_time = ?, updated_at = ?",
			models.StatusInProgress, result.NextStepID, utc(result.NextSendAt), now)
	}
	if errors.Is(err, ErrNotClaimed) {
		// The message went out; keep the event and the external status.
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE campaign_contacts SET emails_sent = emails_sent + 1, updated_at = ? WHERE id = ?`), now, claim.ID); err != nil {
			return fmt.Errorf("failed to update campaign contact: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		return ErrNotClaimed
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ReclaimStale returns processing rows claimed before olderThan to in_progress.
// It recovers contacts left behind by an executor that died mid-cycle. The
// token is cleared, so a slow former owner can no longer write to the row.
func (r *CampaignContactRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_contacts SET status = 'in_progress', claimed_at = NULL, claim_token = '', updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`),
		utc(time.Now()), utc(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale contacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale contacts: %w", err)
	}
	return int(n), nil
}

// SetExternalStatus applies a replied or unsubscribed signal. It wins over any
// engine state, including an in-flight claim.
func (r *CampaignContactRepository) SetExternalStatus(ctx context.Context, campaignID, contactID, status string) error {
	if status != models.StatusReplied && status != models.StatusUnsubscribed {
		return fmt.Errorf("status %q cannot be set externally", status)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_contacts SET status = ?, claimed_at = NULL, claim_token = '', updated_at = ?
		WHERE campaign_id = ? AND contact_id = ?`),
		status, utc(time.Now()), campaignID, contactID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a campaign contact by ID
func (r *CampaignContactRepository) Get(ctx context.Context, id string) (*models.CampaignContact, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+executionColumns+` FROM campaign_contacts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign contact: %w", err)
	}
	cc := row.model()
	return &cc, nil
}

// ListByCampaign returns the execution rows of a campaign, optionally filtered by status
func (r *CampaignContactRepository) ListByCampaign(ctx context.Context, campaignID, status string, limit, offset int) ([]models.CampaignContact, error) {
	query := `SELECT ` + executionColumns + ` FROM campaign_contacts WHERE campaign_id = ?`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY next_send_time, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}

	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list campaign contacts: %w", err)
	}
	contacts := make([]models.CampaignContact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, row.model())
	}
	return contacts, nil
}
