package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountSent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 0, now)

	add := func(account, eventType string, at time.Time) {
		t.Helper()
		require.NoError(t, f.events.Append(ctx, &models.EmailEvent{
			CampaignID: f.campaign.ID, ContactID: "c1", EmailAccountID: account, Type: eventType, OccurredAt: at,
		}))
	}

	add("acc-1", models.EventSent, now)
	// 01:00 the same day
	add("acc-1", models.EventSent, now.Add(-9*time.Hour))
	// 23:00 the previous day
	add("acc-1", models.EventSent, now.Add(-11*time.Hour))
	add("acc-1", models.EventFailed, now)
	add("acc-2", models.EventSent, now)
	// 23:59:59 the same day
	add("acc-1", models.EventSent, now.Add(14*time.Hour-time.Second))

	n, err := f.events.CountSentByAccount(ctx, "acc-1", now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.events.CountSentByCampaign(ctx, f.campaign.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	f := newFixture(t, 0, time.Now())
	err := f.events.Append(context.Background(), &models.EmailEvent{CampaignID: "c", ContactID: "x", Type: "bounced"})
	assert.Error(t, err)
}

func TestListForContactOrdered(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 0, now)

	require.NoError(t, f.events.Append(ctx, &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: "c1", Type: models.EventOpened, OccurredAt: now.Add(time.Hour)}))
	require.NoError(t, f.events.Append(ctx, &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: "c1", Type: models.EventSent, OccurredAt: now}))
	require.NoError(t, f.events.Append(ctx, &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: "c2", Type: models.EventSent, OccurredAt: now}))

	events, err := f.events.ListForContact(ctx, f.campaign.ID, "c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventSent, events[0].Type)
	assert.Equal(t, models.EventOpened, events[1].Type)
	assert.True(t, events[0].OccurredAt.Equal(now))
}

func TestListForContactInvalidMetadata(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 0, now)

	require.NoError(t, f.events.Append(ctx, &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: "c1", Type: models.EventOpened, OccurredAt: now}))
	_, err := f.db.ExecContext(ctx, `UPDATE email_events SET metadata = '{broken' WHERE contact_id = 'c1'`)
	require.NoError(t, err)

	_, err = f.events.ListForContact(ctx, f.campaign.ID, "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid metadata")
}

func TestLatestForContact(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 0, now)

	latest, err := f.events.LatestForContact(ctx, f.campaign.ID, "c1")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	require.NoError(t, f.events.Append(ctx, &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: "c1", Type: models.EventSent, OccurredAt: now.Add(time.Hour)}))
	require.NoError(t, f.events.Append(ctx, &models.EmailEvent{CampaignID: f.campaign.ID, ContactID: "c1", Type: models.EventOpened, OccurredAt: now}))

	latest, err = f.events.LatestForContact(ctx, f.campaign.ID, "c1")
	require.NoError(t, err)
	assert.True(t, now.Add(time.Hour).Equal(latest))
}
