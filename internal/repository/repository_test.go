package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a file-backed SQLite database with all migrations applied
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.Migrate())
	return database
}

type fixture struct {
	db        *db.DB
	campaigns *CampaignRepository
	contacts  *ContactRepository
	accounts  *AccountRepository
	events    *EventRepository
	execution *CampaignContactRepository
	campaign  *models.Campaign
	steps     []models.Step
	list      *models.ContactList
}

// newFixture creates a campaign with the given steps and n contacts, started at now
func newFixture(t *testing.T, n int, now time.Time, bodies ...models.StepBody) *fixture {
	t.Helper()
	ctx := context.Background()
	database := setupTestDB(t)

	f := &fixture{
		db:        database,
		campaigns: NewCampaignRepository(database),
		contacts:  NewContactRepository(database),
		accounts:  NewAccountRepository(database),
		events:    NewEventRepository(database),
		execution: NewCampaignContactRepository(database),
	}

	f.list = &models.ContactList{Name: "leads"}
	require.NoError(t, f.contacts.CreateList(ctx, f.list))
	for i := 0; i < n; i++ {
		c := &models.Contact{ListID: f.list.ID, Email: fmt.Sprintf("lead%d@example.com", i), FirstName: "Lead"}
		require.NoError(t, f.contacts.Create(ctx, c))
	}

	f.campaign = &models.Campaign{Name: "outreach", ListID: f.list.ID, SendImmediately: true}
	require.NoError(t, f.campaigns.Create(ctx, f.campaign))

	if len(bodies) == 0 {
		bodies = []models.StepBody{models.EmailStep{Subject: "Hi", Body: "Hello"}}
	}
	for _, b := range bodies {
		s := models.Step{CampaignID: f.campaign.ID, Body: b}
		require.NoError(t, f.campaigns.AddStep(ctx, &s))
		f.steps = append(f.steps, s)
	}

	if n > 0 {
		enrolled, err := f.campaigns.Start(ctx, f.campaign.ID, now)
		require.NoError(t, err)
		require.Equal(t, n, enrolled)
	}
	return f
}
