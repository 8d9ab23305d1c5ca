package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/jmoiron/sqlx"
)

type eventRow struct {
	ID             string    `db:"id"`
	CampaignID     string    `db:"campaign_id"`
	ContactID      string    `db:"contact_id"`
	StepID         string    `db:"step_id"`
	EmailAccountID string    `db:"email_account_id"`
	EventType      string    `db:"event_type"`
	OccurredAt     time.Time `db:"occurred_at"`
	Metadata       string    `db:"metadata"`
}

// model converts the row. Undecodable metadata is reported as an error
// alongside the otherwise complete event.
func (r eventRow) model() (models.EmailEvent, error) {
	ev := models.EmailEvent{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		ContactID:      r.ContactID,
		StepID:         r.StepID,
		EmailAccountID: r.EmailAccountID,
		Type:           r.EventType,
		OccurredAt:     r.OccurredAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &ev.Metadata); err != nil {
			return ev, fmt.Errorf("event %s: invalid metadata: %w", r.ID, err)
		}
	}
	return ev, nil
}

const eventColumns = `id, campaign_id, contact_id, step_id, email_account_id, event_type, occurred_at, metadata`

// EventRepository appends and reads the email event log
type EventRepository struct {
	db *db.DB
}

func NewEventRepository(db *db.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append records an event. Events are never updated.
func (r *EventRepository) Append(ctx context.Context, ev *models.EmailEvent) error {
	return insertEvent(ctx, r.db.DB, ev)
}

func insertEvent(ctx context.Context, ext sqlx.ExtContext, ev *models.EmailEvent) error {
	if !models.IsValidEventType(ev.Type) {
		return fmt.Errorf("invalid event type %q", ev.Type)
	}
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	ev.OccurredAt = utc(ev.OccurredAt)

	_, err := ext.ExecContext(ctx, ext.Rebind(`
		INSERT INTO email_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.CampaignID, ev.ContactID, ev.StepID, ev.EmailAccountID, ev.Type, ev.OccurredAt, encodeJSON(ev.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListForContact returns a contact's events within a campaign, oldest first
func (r *EventRepository) ListForContact(ctx context.Context, campaignID, contactID string) ([]models.EmailEvent, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+eventColumns+` FROM email_events
		WHERE campaign_id = ? AND contact_id = ?
		ORDER BY occurred_at, id`), campaignID, contactID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]models.EmailEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.model()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// LatestForContact returns when the contact's most recent event in a campaign
// occurred, or the zero time when it has none
func (r *EventRepository) LatestForContact(ctx context.Context, campaignID, contactID string) (time.Time, error) {
	var latest []time.Time
	if err := r.db.SelectContext(ctx, &latest, r.db.Rebind(`
		SELECT occurred_at FROM email_events
		WHERE campaign_id = ? AND contact_id = ?
		ORDER BY occurred_at DESC LIMIT 1`), campaignID, contactID); err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest event: %w", err)
	}
	if len(latest) == 0 {
		return time.Time{}, nil
	}
	return latest[0], nil
}

// CountSentByAccount counts sent events of an account during the UTC day containing now
func (r *EventRepository) CountSentByAccount(ctx context.Context, accountID string, now time.Time) (int, error) {
	from, to := dayBounds(now)
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM email_events
		WHERE email_account_id = ? AND event_type = ? AND occurred_at >= ? AND occurred_at < ?`),
		accountID, models.EventSent, from, to); err != nil {
		return 0, fmt.Errorf("failed to count sent events: %w", err)
	}
	return n, nil
}

// CountSentByCampaign counts sent events of a campaign during the UTC day containing now
func (r *EventRepository) CountSentByCampaign(ctx context.Context, campaignID string, now time.Time) (int, error) {
	from, to := dayBounds(now)
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM email_events
		WHERE campaign_id = ? AND event_type = ? AND occurred_at >= ? AND occurred_at < ?`),
		campaignID, models.EventSent, from, to); err != nil {
		return 0, fmt.Errorf("failed to count sent events: %w", err)
	}
	return n, nil
}
