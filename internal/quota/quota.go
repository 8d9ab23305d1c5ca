// Package quota enforces daily send limits.
//
// Counting is account-scoped: an account's limit covers every campaign that
// sends through it. A campaign's own daily cap is a separate, campaign-scoped
// limit. Days are UTC calendar days.
//
// HasQuota and CampaignHasQuota are cheap pre-checks over recorded events.
// Enforcement is the reservation: ReserveAccount and ReserveCampaign take a
// slot with one atomic conditional increment right before a send, and the
// slot is released when the send does not happen.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

// DefaultDailyLimit applies to accounts without a configured limit
const DefaultDailyLimit = 10000

// Reservation scopes
const (
	ScopeAccount  = "account"
	ScopeCampaign = "campaign"
)

// Counter counts sent events within the UTC day containing now
type Counter interface {
	CountSentByAccount(ctx context.Context, accountID string, now time.Time) (int, error)
	CountSentByCampaign(ctx context.Context, campaignID string, now time.Time) (int, error)
}

// Slots are atomic per-day counters
type Slots interface {
	Reserve(ctx context.Context, scope, id string, limit int, now time.Time) (bool, error)
	Release(ctx context.Context, scope, id string, now time.Time) error
}

// Guard answers whether sending is still allowed today
type Guard struct {
	counter      Counter
	slots        Slots
	defaultLimit int
}

// New creates a guard. defaultLimit <= 0 selects DefaultDailyLimit.
func New(counter Counter, slots Slots, defaultLimit int) *Guard {
	if defaultLimit <= 0 {
		defaultLimit = DefaultDailyLimit
	}
	return &Guard{counter: counter, slots: slots, defaultLimit: defaultLimit}
}

// Allowed reports whether one more send fits under limit
func Allowed(sent, limit int) bool {
	return sent < limit
}

// Limit returns the effective daily limit of an account
func (g *Guard) Limit(account *models.EmailAccount) int {
	if account.DailyLimit > 0 {
		return account.DailyLimit
	}
	return g.defaultLimit
}

// HasQuota reports whether the account may send again today
func (g *Guard) HasQuota(ctx context.Context, account *models.EmailAccount, now time.Time) (bool, error) {
	sent, err := g.counter.CountSentByAccount(ctx, account.ID, now)
	if err != nil {
		return false, fmt.Errorf("failed to check account quota: %w", err)
	}
	return Allowed(sent, g.Limit(account)), nil
}

// CampaignHasQuota reports whether the campaign is under its own daily cap.
// A cap of zero means unlimited.
func (g *Guard) CampaignHasQuota(ctx context.Context, campaign *models.Campaign, now time.Time) (bool, error) {
	if campaign.DailyLimit <= 0 {
		return true, nil
	}
	sent, err := g.counter.CountSentByCampaign(ctx, campaign.ID, now)
	if err != nil {
		return false, fmt.Errorf("failed to check campaign quota: %w", err)
	}
	return Allowed(sent, campaign.DailyLimit), nil
}

// ReserveAccount takes one of the account's sends for today. It reports false
// when the account reached its limit.
func (g *Guard) ReserveAccount(ctx context.Context, account *models.EmailAccount, now time.Time) (bool, error) {
	ok, err := g.slots.Reserve(ctx, ScopeAccount, account.ID, g.Limit(account), now)
	if err != nil {
		return false, fmt.Errorf("failed to reserve account quota: %w", err)
	}
	return ok, nil
}

// ReleaseAccount returns a slot taken by ReserveAccount
func (g *Guard) ReleaseAccount(ctx context.Context, account *models.EmailAccount, now time.Time) error {
	return g.slots.Release(ctx, ScopeAccount, account.ID, now)
}

// ReserveCampaign takes one of the campaign's sends for today. Campaigns
// without a cap always succeed and hold nothing.
func (g *Guard) ReserveCampaign(ctx context.Context, campaign *models.Campaign, now time.Time) (bool, error) {
	if campaign.DailyLimit <= 0 {
		return true, nil
	}
	ok, err := g.slots.Reserve(ctx, ScopeCampaign, campaign.ID, campaign.DailyLimit, now)
	if err != nil {
		return false, fmt.Errorf("failed to reserve campaign quota: %w", err)
	}
	return ok, nil
}

// ReleaseCampaign returns a slot taken by ReserveCampaign
func (g *Guard) ReleaseCampaign(ctx context.Context, campaign *models.Campaign, now time.Time) error {
	if campaign.DailyLimit <= 0 {
		return nil
	}
	return g.slots.Release(ctx, ScopeCampaign, campaign.ID, now)
}

// NextReset returns the next day at hour:00 UTC, where quota-exhausted
// contacts are rescheduled
func NextReset(now time.Time, hour int) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, hour, 0, 0, 0, time.UTC)
}
