package rotation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	assignments []models.Assignment
	accounts    map[string]*models.EmailAccount
	sent        map[string]int
}

func newFakeStore(assignments ...models.Assignment) *fakeStore {
	s := &fakeStore{accounts: make(map[string]*models.EmailAccount), sent: make(map[string]int)}
	for _, a := range assignments {
		s.assignments = append(s.assignments, a)
		s.sent[a.ID] = a.EmailsSentToday
	}
	return s
}

func (s *fakeStore) CountAssignments(ctx context.Context, campaignID string) (int, error) {
	return len(s.assignments), nil
}

func (s *fakeStore) ListActiveAssignments(ctx context.Context, campaignID string, now time.Time) ([]models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Assignment
	for _, a := range s.assignments {
		if !a.IsActive || !a.Account.IsActive {
			continue
		}
		a.EmailsSentToday = s.sent[a.ID]
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) Reserve(ctx context.Context, id string, limit int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[id] >= limit {
		return false, nil
	}
	s.sent[id]++
	return true, nil
}

func (s *fakeStore) Release(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[id] > 0 {
		s.sent[id]--
	}
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*models.EmailAccount, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return a, nil
}

// fakeQuota keeps account-wide counters; accountLimit 0 means unlimited
type fakeQuota struct {
	mu           sync.Mutex
	exhausted    map[string]bool
	used         map[string]int
	accountLimit int
}

func newFakeQuota(exhausted ...string) *fakeQuota {
	q := &fakeQuota{exhausted: make(map[string]bool), used: make(map[string]int)}
	for _, id := range exhausted {
		q.exhausted[id] = true
	}
	return q
}

func (q *fakeQuota) HasQuota(ctx context.Context, a *models.EmailAccount, now time.Time) (bool, error) {
	return !q.exhausted[a.ID], nil
}

func (q *fakeQuota) ReserveAccount(ctx context.Context, a *models.EmailAccount, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exhausted[a.ID] || (q.accountLimit > 0 && q.used[a.ID] >= q.accountLimit) {
		return false, nil
	}
	q.used[a.ID]++
	return true, nil
}

func (q *fakeQuota) ReleaseAccount(ctx context.Context, a *models.EmailAccount, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used[a.ID] > 0 {
		q.used[a.ID]--
	}
	return nil
}

func (q *fakeQuota) Limit(a *models.EmailAccount) int {
	if a.DailyLimit > 0 {
		return a.DailyLimit
	}
	return 10000
}

func assignment(id string, limit int) models.Assignment {
	return models.Assignment{
		ID:       "as-" + id,
		IsActive: true,
		Account:  models.EmailAccount{ID: id, Email: id + "@example.com", DailyLimit: limit, IsActive: true},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	campaign = &models.Campaign{ID: "camp-1"}
	testNow  = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
)

func TestRoundRobin(t *testing.T) {
	store := newFakeStore(assignment("a", 100), assignment("b", 100), assignment("c", 100))
	sel := New(store, newFakeQuota(), nil, testLogger())
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		s, err := sel.NextAccount(ctx, campaign, time.Now())
		require.NoError(t, err)
		got = append(got, s.Account.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestSkipsExhaustedAndInactive(t *testing.T) {
	full := assignment("full", 2)
	full.EmailsSentToday = 2
	inactive := assignment("inactive", 100)
	inactive.IsActive = false
	disabledAccount := assignment("disabled", 100)
	disabledAccount.Account.IsActive = false
	overQuota := assignment("over", 100)

	store := newFakeStore(full, inactive, disabledAccount, overQuota, assignment("ok", 100))
	sel := New(store, newFakeQuota("over"), nil, testLogger())

	for i := 0; i < 3; i++ {
		s, err := sel.NextAccount(context.Background(), campaign, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "ok", s.Account.ID)
		assert.False(t, s.Legacy())
	}
}

func TestExhausted(t *testing.T) {
	store := newFakeStore(assignment("a", 1), assignment("b", 1))
	sel := New(store, newFakeQuota(), nil, testLogger())
	ctx := context.Background()

	first, err := sel.NextAccount(ctx, campaign, time.Now())
	require.NoError(t, err)
	second, err := sel.NextAccount(ctx, campaign, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, first.Account.ID, second.Account.ID)

	_, err = sel.NextAccount(ctx, campaign, time.Now())
	assert.ErrorIs(t, err, ErrExhausted)

	// A failed send gives its slot back
	require.NoError(t, sel.Release(ctx, first, time.Now()))
	again, err := sel.NextAccount(ctx, campaign, time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, again.Account.ID)
}

func TestConcurrentSelectionNeverExceedsLimit(t *testing.T) {
	store := newFakeStore(assignment("a", 3), assignment("b", 3))
	sel := New(store, newFakeQuota(), nil, testLogger())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		picked    = make(map[string]int)
		exhausted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := sel.NextAccount(context.Background(), campaign, time.Now())
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrExhausted) {
				exhausted++
				return
			}
			if assert.NoError(t, err) {
				picked[s.Account.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, picked["a"])
	assert.Equal(t, 3, picked["b"])
	assert.Equal(t, 14, exhausted)
}

func TestLegacyAccount(t *testing.T) {
	store := newFakeStore()
	store.accounts["legacy"] = &models.EmailAccount{ID: "legacy", Email: "legacy@example.com"}
	quota := newFakeQuota()
	quota.accountLimit = 1
	sel := New(store, quota, nil, testLogger())
	ctx := context.Background()

	legacy := &models.Campaign{ID: "c", EmailAccountID: "legacy"}
	s, err := sel.NextAccount(ctx, legacy, time.Now())
	require.NoError(t, err)
	assert.True(t, s.Legacy())
	assert.Equal(t, "legacy", s.Account.ID)
	assert.Equal(t, 1, quota.used["legacy"])

	_, err = sel.NextAccount(ctx, legacy, time.Now())
	assert.ErrorIs(t, err, ErrAccountExhausted)

	assert.NoError(t, sel.Release(ctx, s, time.Now()))
	assert.Zero(t, quota.used["legacy"])

	_, err = sel.NextAccount(ctx, &models.Campaign{ID: "c"}, time.Now())
	assert.ErrorIs(t, err, ErrNoAccount)

	rotating, err := sel.UsesRotation(ctx, "c")
	require.NoError(t, err)
	assert.False(t, rotating)
}

func TestSharedAccountLimitAcrossCampaigns(t *testing.T) {
	quota := newFakeQuota()
	quota.accountLimit = 1

	// The same account assigned to two campaigns, each with room on its assignment
	first := New(newFakeStore(assignment("shared", 5)), quota, nil, testLogger())
	second := New(newFakeStore(assignment("shared", 5)), quota, nil, testLogger())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		picked    int
		exhausted int
	)
	for _, sel := range []*Selector{first, second, first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sel.NextAccount(context.Background(), campaign, testNow)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrExhausted) {
				exhausted++
				return
			}
			if assert.NoError(t, err) {
				picked++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, picked)
	assert.Equal(t, 3, exhausted)
	assert.Equal(t, 1, quota.used["shared"])
	// Losers never keep an assignment slot
	assert.Equal(t, 1, first.store.(*fakeStore).sent["as-shared"]+second.store.(*fakeStore).sent["as-shared"])
}

type failingCursor struct{}

func (failingCursor) Next(ctx context.Context, campaignID string) (uint64, error) {
	return 0, errors.New("cursor down")
}

func TestCursorFailureFallsBack(t *testing.T) {
	store := newFakeStore(assignment("a", 10), assignment("b", 10))
	sel := New(store, newFakeQuota(), failingCursor{}, testLogger())

	s, err := sel.NextAccount(context.Background(), campaign, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "a", s.Account.ID)
}
