package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
)

// SendCounterRepository keeps per-day send counters keyed by scope, such as
// one sending account or one campaign. Reservations are single conditional
// upserts, so concurrent executors never push a counter past its limit.
type SendCounterRepository struct {
	db *db.DB
}

func NewSendCounterRepository(db *db.DB) *SendCounterRepository {
	return &SendCounterRepository{db: db}
}

// Reserve takes one slot of scope/id for the UTC day of now. It reports false
// when the counter already reached limit. limit must be positive.
func (r *SendCounterRepository) Reserve(ctx context.Context, scope, id string, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO send_counters (scope, scope_id, day, sent) VALUES (?, ?, ?, 1)
		ON CONFLICT (scope, scope_id, day) DO UPDATE SET sent = send_counters.sent + 1
		WHERE send_counters.sent < ?`),
		scope, id, DayKey(now), limit,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve %s send slot: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reserve %s send slot: %w", scope, err)
	}
	return n == 1, nil
}

// Release returns a slot taken by Reserve when the send did not happen
func (r *SendCounterRepository) Release(ctx context.Context, scope, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE send_counters SET sent = sent - 1
		WHERE scope = ? AND scope_id = ? AND day = ? AND sent > 0`),
		scope, id, DayKey(now),
	)
	if err != nil {
		return fmt.Errorf("failed to release %s send slot: %w", scope, err)
	}
	return nil
}

// Sent returns the counter of scope/id for the UTC day of now
func (r *SendCounterRepository) Sent(ctx context.Context, scope, id string, now time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COALESCE(SUM(sent), 0) FROM send_counters WHERE scope = ? AND scope_id = ? AND day = ?`),
		scope, id, DayKey(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s send counter: %w", scope, err)
	}
	return n, nil
}
