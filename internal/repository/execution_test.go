package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimDueReturnsJoinedRows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 2, now, models.EmailStep{Subject: "Hi {{first_name}}", Body: "Hello"})

	claimed, err := f.execution.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	cc := claimed[0]
	assert.Equal(t, models.StatusProcessing, cc.Status)
	assert.NotNil(t, cc.ClaimedAt)
	assert.NotEmpty(t, cc.ClaimToken)
	assert.Equal(t, cc.ClaimToken, claimed[1].ClaimToken)
	assert.Equal(t, f.campaign.ID, cc.Campaign.ID)
	assert.True(t, cc.Campaign.SendImmediately)
	assert.Equal(t, "Lead", cc.Contact.FirstName)
	require.NotNil(t, cc.Step)
	assert.Equal(t, f.steps[0].ID, cc.Step.ID)
	assert.Equal(t, models.StepEmail, cc.Step.Type())

	// Already claimed rows are not handed out again
	again, err := f.execution.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueFilters(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	t.Run("not yet due", func(t *testing.T) {
		f := newFixture(t, 1, now)
		claimed, err := f.execution.ClaimDue(ctx, now.Add(-time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("paused campaign", func(t *testing.T) {
		f := newFixture(t, 1, now)
		require.NoError(t, f.campaigns.SetStatus(ctx, f.campaign.ID, models.CampaignPaused))
		claimed, err := f.execution.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("batch limit", func(t *testing.T) {
		f := newFixture(t, 5, now)
		claimed, err := f.execution.ClaimDue(ctx, now, 3)
		require.NoError(t, err)
		assert.Len(t, claimed, 3)
	})

	t.Run("zero limit", func(t *testing.T) {
		f := newFixture(t, 1, now)
		claimed, err := f.execution.ClaimDue(ctx, now, 0)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestClaimDueConcurrentClaimersNeverOverlap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	const (
		contacts  = 30
		claimers  = 6
		batchSize = 4
	)
	f := newFixture(t, contacts, now)

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		seen  = make(map[string]int)
		total int
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := f.execution.ClaimDue(ctx, now, batchSize)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, cc := range claimed {
				seen[cc.ID]++
				total++
			}
		}()
	}
	close(start)
	wg.Wait()

	for id, n := range seen {
		assert.Equal(t, 1, n, "contact %s claimed %d times", id, n)
	}
	assert.LessOrEqual(t, total, claimers*batchSize)
	assert.Greater(t, total, 0)
}

func TestReleaseKeepsExternalStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 1, now, models.EmailStep{Subject: "a"}, models.EmailStep{Subject: "b"})

	claimed, err := f.execution.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	cc := claimed[0]

	require.NoError(t, f.execution.SetExternalStatus(ctx, f.campaign.ID, cc.ContactID, models.StatusReplied))

	err = f.execution.Advance(ctx, cc.Claim(), f.steps[1].ID, now)
	assert.ErrorIs(t, err, ErrNotClaimed)

	err = f.execution.RecordSend(ctx, cc.Claim(), SendResult{
		Event:      &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: cc.ContactID, Type: models.EventSent, OccurredAt: now},
		NextStepID: f.steps[1].ID,
		NextSendAt: now,
	})
	assert.ErrorIs(t, err, ErrNotClaimed)

	got, err := f.execution.Get(ctx, cc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReplied, got.Status)
	assert.Equal(t, f.steps[0].ID, got.CurrentStepID)
	assert.Equal(t, 1, got.EmailsSent)
}

func TestRecordSend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 1, now, models.EmailStep{Subject: "a"}, models.WaitStep{Days: 1})

	claimed, err := f.execution.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	cc := claimed[0]

	err = f.execution.RecordSend(ctx, cc.Claim(), SendResult{
		Event: &models.EmailEvent{
			CampaignID: f.campaign.ID, ContactID: cc.ContactID, StepID: f.steps[0].ID,
			Type: models.EventSent, OccurredAt: now, Metadata: map[string]any{"message_id": "<1@x>"},
		},
		NextStepID: f.steps[1].ID,
		NextSendAt: now,
	})
	require.NoError(t, err)

	got, err := f.execution.Get(ctx, cc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, f.steps[1].ID, got.CurrentStepID)
	assert.Equal(t, 1, got.EmailsSent)
	assert.Nil(t, got.ClaimedAt)

	events, err := f.events.ListForContact(ctx, f.campaign.ID, cc.ContactID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "<1@x>", events[0].Metadata["message_id"])
}

func TestTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		apply  func(f *fixture, c models.Claim) error
		status string
	}{
		{"complete", func(f *fixture, c models.Claim) error { return f.execution.Complete(ctx, c) }, models.StatusCompleted},
		{"fail", func(f *fixture, c models.Claim) error { return f.execution.Fail(ctx, c) }, models.StatusFailed},
		{"reschedule", func(f *fixture, c models.Claim) error { return f.execution.Reschedule(ctx, c, now.Add(time.Hour)) }, models.StatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, now)
			claimed, err := f.execution.ClaimDue(ctx, now, 1)
			require.NoError(t, err)
			require.Len(t, claimed, 1)

			require.NoError(t, tt.apply(f, claimed[0].Claim()))

			got, err := f.execution.Get(ctx, claimed[0].ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)

			// A second release finds nothing to release
			assert.ErrorIs(t, f.execution.Fail(ctx, claimed[0].Claim()), ErrNotClaimed)
		})
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	claimTime := time.Now().UTC().Add(-time.Hour)
	f := newFixture(t, 3, claimTime)

	claimed, err := f.execution.ClaimDue(ctx, claimTime, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Claims younger than the cutoff stay put
	n, err := f.execution.ReclaimStale(ctx, claimTime.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.execution.ReclaimStale(ctx, claimTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	again, err := f.execution.ClaimDue(ctx, claimTime, 10)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestStaleOwnerCannotWriteAfterReclaim(t *testing.T) {
	ctx := context.Background()
	claimTime := time.Now().UTC().Add(-time.Hour)
	f := newFixture(t, 1, claimTime, models.EmailStep{Subject: "a"}, models.EmailStep{Subject: "b"})

	first, err := f.execution.ClaimDue(ctx, claimTime, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	stale := first[0].Claim()

	n, err := f.execution.ReclaimStale(ctx, claimTime.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := f.execution.ClaimDue(ctx, claimTime.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, stale.Token, second[0].ClaimToken)

	// The row is processing again, but under the new owner's token
	assert.ErrorIs(t, f.execution.Touch(ctx, stale, claimTime.Add(2*time.Minute)), ErrNotClaimed)
	assert.ErrorIs(t, f.execution.Advance(ctx, stale, f.steps[1].ID, claimTime), ErrNotClaimed)
	assert.ErrorIs(t, f.execution.Fail(ctx, stale), ErrNotClaimed)

	require.NoError(t, f.execution.Complete(ctx, second[0].Claim()))
	got, err := f.execution.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, got.ClaimToken)
}

func TestTouchRefreshesClaim(t *testing.T) {
	ctx := context.Background()
	claimTime := time.Now().UTC().Add(-time.Hour)
	f := newFixture(t, 1, claimTime)

	claimed, err := f.execution.ClaimDue(ctx, claimTime, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	touched := claimTime.Add(30 * time.Minute)
	require.NoError(t, f.execution.Touch(ctx, claimed[0].Claim(), touched))

	// A cutoff between claim and heartbeat no longer reclaims the row
	n, err := f.execution.ReclaimStale(ctx, claimTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.execution.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedAt)
	assert.True(t, got.ClaimedAt.Equal(touched), "claimed_at %v", got.ClaimedAt)

	require.NoError(t, f.execution.SetExternalStatus(ctx, f.campaign.ID, claimed[0].ContactID, models.StatusReplied))
	assert.ErrorIs(t, f.execution.Touch(ctx, claimed[0].Claim(), touched), ErrNotClaimed)
}

func TestClaimDueCorruptStep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 1, now)

	_, err := f.db.ExecContext(ctx, `UPDATE campaign_steps SET config = '{"subject":' WHERE id = ?`, f.steps[0].ID)
	require.NoError(t, err)

	claimed, err := f.execution.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Nil(t, claimed[0].Step)
}

func TestListByCampaign(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 3, now)

	claimed, err := f.execution.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.NoError(t, f.execution.Complete(ctx, claimed[0].Claim()))

	all, err := f.execution.ListByCampaign(ctx, f.campaign.ID, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	done, err := f.execution.ListByCampaign(ctx, f.campaign.ID, models.StatusCompleted, 10, 0)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}
