// Package engine runs the campaign execution cycle: it claims due contacts,
// applies the schedule and quota gates, and advances each contact through
// its campaign's steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/condition"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/mailer"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/metrics"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/rotation"
)

// ContactStore is the claim-based work queue
type ContactStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ClaimedContact, error)
	Touch(ctx context.Context, claim models.Claim, now time.Time) error
	Reschedule(ctx context.Context, claim models.Claim, next time.Time) error
	Advance(ctx context.Context, claim models.Claim, stepID string, next time.Time) error
	Complete(ctx context.Context, claim models.Claim) error
	Fail(ctx context.Context, claim models.Claim) error
	RecordSend(ctx context.Context, claim models.Claim, result repository.SendResult) error
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)
}

// StepStore resolves campaign steps. Both lookups return nil, nil when the
// step does not exist.
type StepStore interface {
	StepByOrder(ctx context.Context, campaignID string, order int) (*models.Step, error)
	StepByID(ctx context.Context, campaignID, stepID string) (*models.Step, error)
}

// EventStore reads and appends email events
type EventStore interface {
	Append(ctx context.Context, ev *models.EmailEvent) error
	ListForContact(ctx context.Context, campaignID, contactID string) ([]models.EmailEvent, error)
}

// AccountStore loads sending accounts
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.EmailAccount, error)
}

// Selector picks the sending account of each email
type Selector interface {
	UsesRotation(ctx context.Context, campaignID string) (bool, error)
	NextAccount(ctx context.Context, campaign *models.Campaign, now time.Time) (*rotation.Selection, error)
	Release(ctx context.Context, sel *rotation.Selection, now time.Time) error
}

// QuotaGuard answers daily limit questions and holds the campaign cap
type QuotaGuard interface {
	HasQuota(ctx context.Context, account *models.EmailAccount, now time.Time) (bool, error)
	CampaignHasQuota(ctx context.Context, campaign *models.Campaign, now time.Time) (bool, error)
	ReserveCampaign(ctx context.Context, campaign *models.Campaign, now time.Time) (bool, error)
	ReleaseCampaign(ctx context.Context, campaign *models.Campaign, now time.Time) error
}

// Sender delivers one personalized message
type Sender interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// Config contains engine settings
type Config struct {
	BatchSize      int
	Concurrency    int
	MinWaitDelay   time.Duration
	QuotaResetHour int
	SendTimeout    time.Duration
}

// Deps are the collaborators of the engine
type Deps struct {
	Contacts   ContactStore
	Steps      StepStore
	Events     EventStore
	Accounts   AccountStore
	Selector   Selector
	Quota      QuotaGuard
	Sender     Sender
	Conditions *condition.Evaluator
	Logger     *slog.Logger
}

// Outcomes of processing one claimed contact
const (
	OutcomeSent        = "sent"
	OutcomeAdvanced    = "advanced"
	OutcomeRescheduled = "rescheduled"
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped" // changed externally while claimed
)

// CycleResult summarizes one execution cycle
type CycleResult struct {
	Claimed  int            `json:"claimed"`
	Outcomes map[string]int `json:"outcomes"`
	Duration time.Duration  `json:"duration"`
}

// Engine processes claimed campaign contacts
type Engine struct {
	cfg        Config
	contacts   ContactStore
	steps      StepStore
	events     EventStore
	accounts   AccountStore
	selector   Selector
	quota      QuotaGuard
	sender     Sender
	conditions *condition.Evaluator
	logger     *slog.Logger

	now func() time.Time
}

// New creates an engine. Zero config values select defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MinWaitDelay <= 0 {
		cfg.MinWaitDelay = 60 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conditions := deps.Conditions
	if conditions == nil {
		var err error
		if conditions, err = condition.NewEvaluator(); err != nil {
			return nil, err
		}
	}

	return &Engine{
		cfg:        cfg,
		contacts:   deps.Contacts,
		steps:      deps.Steps,
		events:     deps.Events,
		accounts:   deps.Accounts,
		selector:   deps.Selector,
		quota:      deps.Quota,
		sender:     deps.Sender,
		conditions: conditions,
		logger:     logger.With("component", "engine"),
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ReclaimStale returns contacts claimed longer than after ago to the queue
func (e *Engine) ReclaimStale(ctx context.Context, after time.Duration) (int, error) {
	if after <= 0 {
		return 0, nil
	}
	n, err := e.contacts.ReclaimStale(ctx, e.now().Add(-after))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("reclaimed stale contacts", "count", n, "older_than", after)
		metrics.AddContactsReclaimed(n)
	}
	return n, nil
}

// RunCycle claims up to BatchSize due contacts and processes them with
// bounded parallelism. A claim failure aborts the cycle and is returned;
// per-contact failures never are.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()

	claimed, err := e.contacts.ClaimDue(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		metrics.IncCycles("error")
		return nil, fmt.Errorf("claim due contacts: %w", err)
	}

	result := &CycleResult{Claimed: len(claimed), Outcomes: make(map[string]int)}
	if len(claimed) > 0 {
		e.logger.Debug("claimed contacts", "count", len(claimed))
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, e.cfg.Concurrency)
	)
	for i := range claimed {
		cc := &claimed[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.processOne(ctx, cc)
			metrics.IncContactsProcessed(outcome)

			mu.Lock()
			result.Outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	result.Duration = time.Since(start)
	metrics.IncCycles("ok")
	metrics.ObserveCycle(result.Duration, result.Claimed)

	if result.Claimed > 0 {
		e.logger.Info("cycle finished",
			"claimed", result.Claimed,
			"outcomes", result.Outcomes,
			"duration", result.Duration,
		)
	}
	return result, nil
}

// processOne never lets a contact stay in processing: any error or panic
// forces it to failed. Work starts with a heartbeat on the claim; a claim
// lost while the contact waited for a slot is left to its new owner.
func (e *Engine) processOne(ctx context.Context, cc *models.ClaimedContact) (outcome string) {
	logger := e.logger.With("campaign_id", cc.CampaignID, "contact_id", cc.ContactID, "step_id", cc.CurrentStepID)

	if err := e.contacts.Touch(ctx, cc.Claim(), e.now()); err != nil {
		if errors.Is(err, repository.ErrNotClaimed) {
			logger.Warn("claim lost before processing, leaving contact untouched")
			return OutcomeSkipped
		}
		logger.Error("failed to refresh claim", "error", err)
		return e.forceFail(ctx, cc, logger)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("step processor panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = e.forceFail(ctx, cc, logger)
		}
	}()

	outcome, err := e.process(ctx, cc, logger)
	if err != nil {
		logger.Error("step processing failed", "error", err)
		return e.forceFail(ctx, cc, logger)
	}
	return outcome
}

func (e *Engine) forceFail(ctx context.Context, cc *models.ClaimedContact, logger *slog.Logger) string {
	outcome, err := e.release(ctx, logger, OutcomeFailed, e.contacts.Fail(ctx, cc.Claim()))
	if err != nil {
		logger.Error("failed to release claim; left for stale reclaim", "error", err)
		return OutcomeFailed
	}
	return outcome
}
