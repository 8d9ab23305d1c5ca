// Package rotation picks the sending account for each email of a campaign.
//
// Campaigns without assignments send through their single legacy account.
// Otherwise the selector cycles over active assignments that still have
// quota today. The cycle position comes from a Cursor; with MemoryCursor
// fairness is per process only, RedisCursor shares it across executors.
// Quota correctness never depends on the cursor: every pick reserves an
// account-wide slot and, when rotating, the assignment's own slot, each with
// a conditional increment.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

var (
	// ErrExhausted is returned when every assigned account reached its daily limit
	ErrExhausted = errors.New("all sending accounts exhausted for today")
	// ErrAccountExhausted is returned when a legacy account reached its daily limit
	ErrAccountExhausted = errors.New("sending account exhausted for today")
	// ErrNoAccount is returned when a campaign has neither assignments nor a legacy account
	ErrNoAccount = errors.New("campaign has no sending account")
)

// Store reads assignments and reserves send slots
type Store interface {
	CountAssignments(ctx context.Context, campaignID string) (int, error)
	ListActiveAssignments(ctx context.Context, campaignID string, now time.Time) ([]models.Assignment, error)
	Reserve(ctx context.Context, assignmentID string, limit int, now time.Time) (bool, error)
	Release(ctx context.Context, assignmentID string, now time.Time) error
	GetByID(ctx context.Context, id string) (*models.EmailAccount, error)
}

// Quota is the account-scoped daily guard
type Quota interface {
	HasQuota(ctx context.Context, account *models.EmailAccount, now time.Time) (bool, error)
	ReserveAccount(ctx context.Context, account *models.EmailAccount, now time.Time) (bool, error)
	ReleaseAccount(ctx context.Context, account *models.EmailAccount, now time.Time) error
	Limit(account *models.EmailAccount) int
}

// Selection is the account chosen for one send
type Selection struct {
	Account      *models.EmailAccount
	AssignmentID string // empty for legacy accounts
}

// Legacy reports whether the selection bypassed rotation
func (s *Selection) Legacy() bool {
	return s.AssignmentID == ""
}

// Selector implements round-robin account rotation
type Selector struct {
	store  Store
	quota  Quota
	cursor Cursor
	logger *slog.Logger
}

// New creates a selector. A nil cursor selects a MemoryCursor.
func New(store Store, quota Quota, cursor Cursor, logger *slog.Logger) *Selector {
	if cursor == nil {
		cursor = NewMemoryCursor()
	}
	return &Selector{
		store:  store,
		quota:  quota,
		cursor: cursor,
		logger: logger.With("component", "rotation"),
	}
}

// UsesRotation reports whether the campaign has any account assignments
func (s *Selector) UsesRotation(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.store.CountAssignments(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NextAccount picks the account for the next send of a campaign.
// The returned selection already holds its reserved slots; call Release if
// the message is not sent.
func (s *Selector) NextAccount(ctx context.Context, campaign *models.Campaign, now time.Time) (*Selection, error) {
	rotating, err := s.UsesRotation(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	if !rotating {
		return s.legacy(ctx, campaign, now)
	}

	assignments, err := s.store.ListActiveAssignments(ctx, campaign.ID, now)
	if err != nil {
		return nil, err
	}

	available := make([]models.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.EmailsSentToday >= s.quota.Limit(&a.Account) {
			continue
		}
		ok, err := s.quota.HasQuota(ctx, &a.Account, now)
		if err != nil {
			return nil, err
		}
		if ok {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil, ErrExhausted
	}

	pos, err := s.cursor.Next(ctx, campaign.ID)
	if err != nil {
		// Fairness only; fall back to the first candidate.
		s.logger.Warn("rotation cursor unavailable", "campaign_id", campaign.ID, "error", err)
		pos = 0
	}
	start := int(pos % uint64(len(available)))

	// Another executor, possibly for another campaign sharing the account, may
	// take the last slot between listing and reserving; move on to the next
	// candidate when that happens.
	for i := 0; i < len(available); i++ {
		a := available[(start+i)%len(available)]
		account := a.Account

		ok, err := s.quota.ReserveAccount(ctx, &account, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		ok, err = s.store.Reserve(ctx, a.ID, s.quota.Limit(&account), now)
		if err != nil || !ok {
			if relErr := s.quota.ReleaseAccount(ctx, &account, now); relErr != nil {
				s.logger.Warn("failed to release account slot", "account_id", account.ID, "error", relErr)
			}
		}
		if err != nil {
			return nil, err
		}
		if ok {
			return &Selection{Account: &account, AssignmentID: a.ID}, nil
		}
	}
	return nil, ErrExhausted
}

func (s *Selector) legacy(ctx context.Context, campaign *models.Campaign, now time.Time) (*Selection, error) {
	if campaign.EmailAccountID == "" {
		return nil, ErrNoAccount
	}
	account, err := s.store.GetByID(ctx, campaign.EmailAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load legacy account: %w", err)
	}
	ok, err := s.quota.ReserveAccount(ctx, account, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountExhausted
	}
	return &Selection{Account: account}, nil
}

// Release returns the slots of a selection whose message was not sent
func (s *Selector) Release(ctx context.Context, sel *Selection, now time.Time) error {
	if sel == nil {
		return nil
	}
	var assignErr error
	if !sel.Legacy() {
		assignErr = s.store.Release(ctx, sel.AssignmentID, now)
	}
	return errors.Join(assignErr, s.quota.ReleaseAccount(ctx, sel.Account, now))
}
