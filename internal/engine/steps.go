package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/condition"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/mailer"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/metrics"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/quota"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/rotation"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/schedule"
)

var errMissingStep = errors.New("current step is missing or has an unreadable config")

// release maps the result of a claim-releasing write to an outcome.
// ErrNotClaimed means a replied or unsubscribed signal won the race.
func (e *Engine) release(ctx context.Context, logger *slog.Logger, outcome string, err error) (string, error) {
	if errors.Is(err, repository.ErrNotClaimed) {
		logger.Info("contact changed externally while claimed, leaving it untouched")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (e *Engine) reschedule(ctx context.Context, cc *models.ClaimedContact, logger *slog.Logger, next time.Time, reason string) (string, error) {
	logger.Debug("rescheduling contact", "reason", reason, "next_send_time", next)
	metrics.IncRescheduled(reason)
	return e.release(ctx, logger, OutcomeRescheduled, e.contacts.Reschedule(ctx, cc.Claim(), next))
}

// advanceTo moves to the step at order+1 due at next, or completes the contact
func (e *Engine) advanceTo(ctx context.Context, cc *models.ClaimedContact, logger *slog.Logger, step *models.Step, next time.Time) (string, error) {
	if step == nil {
		return e.release(ctx, logger, OutcomeCompleted, e.contacts.Complete(ctx, cc.Claim()))
	}
	return e.release(ctx, logger, OutcomeAdvanced, e.contacts.Advance(ctx, cc.Claim(), step.ID, next))
}

func (e *Engine) nextStep(ctx context.Context, step *models.Step) (*models.Step, error) {
	next, err := e.steps.StepByOrder(ctx, step.CampaignID, step.Order+1)
	if err != nil {
		return nil, fmt.Errorf("load next step: %w", err)
	}
	return next, nil
}

// process applies the gates and dispatches on the step type
func (e *Engine) process(ctx context.Context, cc *models.ClaimedContact, logger *slog.Logger) (string, error) {
	if cc.Step == nil {
		return "", errMissingStep
	}
	now := e.now()
	campaign := &cc.Campaign

	if !campaign.SendImmediately && !schedule.IsWithinWindow(campaign.Schedule, now) {
		return e.reschedule(ctx, cc, logger, schedule.NextWindowStart(campaign.Schedule, now), "outside_window")
	}

	ok, err := e.hasQuota(ctx, campaign, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return e.reschedule(ctx, cc, logger, quota.NextReset(now, e.cfg.QuotaResetHour), "quota")
	}

	switch body := cc.Step.Body.(type) {
	case models.EmailStep:
		return e.processEmail(ctx, cc, body, now, logger)
	case models.WaitStep:
		return e.processWait(ctx, cc, body, now, logger)
	case models.ConditionStep:
		return e.processCondition(ctx, cc, body, now, logger)
	}
	return "", fmt.Errorf("unsupported step type %T", cc.Step.Body)
}

// hasQuota pre-checks the legacy account's daily limit and the campaign cap
// so exhausted contacts are rescheduled without touching counters. The sends
// themselves are bounded by the reservations in processEmail.
func (e *Engine) hasQuota(ctx context.Context, campaign *models.Campaign, now time.Time) (bool, error) {
	rotating, err := e.selector.UsesRotation(ctx, campaign.ID)
	if err != nil {
		return false, err
	}
	if !rotating && campaign.EmailAccountID != "" {
		account, err := e.accounts.GetByID(ctx, campaign.EmailAccountID)
		if err != nil {
			return false, fmt.Errorf("load legacy account: %w", err)
		}
		ok, err := e.quota.HasQuota(ctx, account, now)
		if err != nil || !ok {
			return false, err
		}
	}
	return e.quota.CampaignHasQuota(ctx, campaign, now)
}

// processEmail holds a campaign cap slot and an account slot across the send.
// Both go back when the message does not leave.
func (e *Engine) processEmail(ctx context.Context, cc *models.ClaimedContact, step models.EmailStep, now time.Time, logger *slog.Logger) (string, error) {
	next, err := e.nextStep(ctx, cc.Step)
	if err != nil {
		return "", err
	}

	ok, err := e.quota.ReserveCampaign(ctx, &cc.Campaign, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return e.reschedule(ctx, cc, logger, quota.NextReset(now, e.cfg.QuotaResetHour), "quota")
	}
	sent := false
	defer func() {
		if sent {
			return
		}
		if err := e.quota.ReleaseCampaign(ctx, &cc.Campaign, now); err != nil {
			logger.Warn("failed to release campaign slot", "error", err)
		}
	}()

	sel, err := e.selector.NextAccount(ctx, &cc.Campaign, now)
	if errors.Is(err, rotation.ErrExhausted) {
		return e.reschedule(ctx, cc, logger, quota.NextReset(now, e.cfg.QuotaResetHour), "accounts_exhausted")
	}
	if errors.Is(err, rotation.ErrAccountExhausted) {
		return e.reschedule(ctx, cc, logger, quota.NextReset(now, e.cfg.QuotaResetHour), "quota")
	}
	if errors.Is(err, rotation.ErrNoAccount) {
		return e.recordFailure(ctx, cc, "", err, now, logger)
	}
	if err != nil {
		return "", err
	}
	logger = logger.With("account_id", sel.Account.ID)

	fields := cc.Contact.Fields()
	msg := mailer.Message{
		AccountID: sel.Account.ID,
		FromName:  cc.Campaign.FromName,
		To:        cc.Contact.Email,
		Subject:   Render(step.Subject, fields),
		HTML:      Render(step.Body, fields),
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	messageID, err := e.sender.Send(sendCtx, msg)
	cancel()
	if err != nil {
		if relErr := e.selector.Release(ctx, sel, now); relErr != nil {
			logger.Warn("failed to release account slot", "error", relErr)
		}
		metrics.IncSendFailures(mailer.IsTemporaryError(err))
		return e.recordFailure(ctx, cc, sel.Account.ID, err, now, logger)
	}
	sent = true

	result := repository.SendResult{
		Event: &models.EmailEvent{
			CampaignID:     cc.CampaignID,
			ContactID:      cc.ContactID,
			StepID:         cc.Step.ID,
			EmailAccountID: sel.Account.ID,
			Type:           models.EventSent,
			OccurredAt:     now,
			Metadata: map[string]any{
				"message_id":    messageID,
				"account_email": sel.Account.Email,
			},
		},
		NextSendAt: now,
	}
	if next != nil {
		result.NextStepID = next.ID
	}

	metrics.IncEmailsSent(sel.Account.Provider)
	logger.Info("email sent", "to", msg.To, "message_id", messageID)

	if _, err := e.release(ctx, logger, OutcomeSent, e.contacts.RecordSend(ctx, cc.Claim(), result)); err != nil {
		return "", fmt.Errorf("record send of %s: %w", messageID, err)
	}
	return OutcomeSent, nil
}

// recordFailure appends a failed event and marks the contact failed
func (e *Engine) recordFailure(ctx context.Context, cc *models.ClaimedContact, accountID string, sendErr error, now time.Time, logger *slog.Logger) (string, error) {
	logger.Warn("email send failed", "error", sendErr, "temporary", mailer.IsTemporaryError(sendErr))

	ev := &models.EmailEvent{
		CampaignID:     cc.CampaignID,
		ContactID:      cc.ContactID,
		StepID:         cc.Step.ID,
		EmailAccountID: accountID,
		Type:           models.EventFailed,
		OccurredAt:     now,
		Metadata: map[string]any{
			"error":     sendErr.Error(),
			"temporary": mailer.IsTemporaryError(sendErr),
		},
	}
	if err := e.events.Append(ctx, ev); err != nil {
		logger.Error("failed to record failed event", "error", err)
	}
	return e.release(ctx, logger, OutcomeFailed, e.contacts.Fail(ctx, cc.Claim()))
}

func (e *Engine) processWait(ctx context.Context, cc *models.ClaimedContact, step models.WaitStep, now time.Time, logger *slog.Logger) (string, error) {
	delay := step.Duration()
	if delay <= 0 {
		delay = e.cfg.MinWaitDelay
	}
	next, err := e.nextStep(ctx, cc.Step)
	if err != nil {
		return "", err
	}
	return e.advanceTo(ctx, cc, logger, next, now.Add(delay))
}

func (e *Engine) processCondition(ctx context.Context, cc *models.ClaimedContact, step models.ConditionStep, now time.Time, logger *slog.Logger) (string, error) {
	events, err := e.events.ListForContact(ctx, cc.CampaignID, cc.ContactID)
	if err != nil {
		return "", err
	}
	state := condition.FromEvents(events)

	target, matched := "", false
	for i, b := range step.Branches {
		if wait := b.Wait(); wait > 0 && (b.IsNegative() || b.Expression != "") && !state.LastSent.IsZero() {
			deadline := state.LastSent.Add(wait)
			if now.Before(deadline) {
				return e.reschedule(ctx, cc, logger, deadline, "condition_grace")
			}
		}
		ok, err := e.conditions.Branch(b, state, now)
		if err != nil {
			return "", fmt.Errorf("branch %d: %w", i, err)
		}
		if ok {
			target, matched = b.NextStepID, true
			logger.Debug("condition branch matched", "branch", i, "next_step_id", target)
			break
		}
	}

	if !matched && step.Legacy != nil {
		ok, err := condition.Named(step.Legacy.Condition, state)
		if err != nil {
			return "", err
		}
		if ok {
			target = step.Legacy.NextIfTrue
		} else {
			target = step.Legacy.NextIfFalse
		}
	}

	if target == "" {
		next, err := e.nextStep(ctx, cc.Step)
		if err != nil {
			return "", err
		}
		return e.advanceTo(ctx, cc, logger, next, now)
	}

	jump, err := e.steps.StepByID(ctx, cc.CampaignID, target)
	if err != nil {
		return "", fmt.Errorf("load branch target: %w", err)
	}
	if jump == nil {
		return "", fmt.Errorf("branch target %s is not a step of this campaign", target)
	}
	return e.advanceTo(ctx, cc, logger, jump, now)
}
