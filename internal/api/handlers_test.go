package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/condition"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/config"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/engine"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/ipfilter"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/sandbox"
)

const testAPIKey = "secret-key"

type fakeRunner struct {
	result *engine.CycleResult
	err    error
	calls  int
}

func (f *fakeRunner) RunCycle(ctx context.Context) (*engine.CycleResult, error) {
	f.calls++
	return f.result, f.err
}

type testEnv struct {
	server    *Server
	runner    *fakeRunner
	campaigns *repository.CampaignRepository
	contacts  *repository.ContactRepository
	execution *repository.CampaignContactRepository
	events    *repository.EventRepository
	sandbox   *sandbox.Storage
	campaign  *models.Campaign
	contactID string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, filter *ipfilter.Filter) *testEnv {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "api.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	store, err := sandbox.Open(filepath.Join(t.TempDir(), "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	evaluator, err := condition.NewEvaluator()
	require.NoError(t, err)

	env := &testEnv{
		runner:    &fakeRunner{result: &engine.CycleResult{Claimed: 3, Outcomes: map[string]int{"sent": 3}, Duration: 1500 * time.Millisecond}},
		campaigns: repository.NewCampaignRepository(database),
		contacts:  repository.NewContactRepository(database),
		execution: repository.NewCampaignContactRepository(database),
		events:    repository.NewEventRepository(database),
		sandbox:   store,
	}

	list := &models.ContactList{Name: "leads"}
	require.NoError(t, env.contacts.CreateList(ctx, list))
	contact := &models.Contact{ListID: list.ID, Email: "lead@example.com", FirstName: "Lead"}
	require.NoError(t, env.contacts.Create(ctx, contact))
	env.contactID = contact.ID

	env.campaign = &models.Campaign{Name: "outreach", ListID: list.ID, SendImmediately: true}
	require.NoError(t, env.campaigns.Create(ctx, env.campaign))

	cfg := &config.APIConfig{Enabled: true, ListenAddr: ":0", APIKey: testAPIKey}
	env.server = NewServer(cfg, Deps{
		Runner:     env.runner,
		Campaigns:  env.campaigns,
		Executions: env.execution,
		Events:     env.events,
		Contacts:   env.contacts,
		Conditions: evaluator,
		Sandbox:    store,
		Filter:     filter,
	}, "test", testLogger())
	return env
}

func (e *testEnv) addStep(t *testing.T, body models.StepBody) {
	t.Helper()
	s := models.Step{CampaignID: e.campaign.ID, Body: body}
	require.NoError(t, e.campaigns.AddStep(context.Background(), &s))
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func jsonDecode(rec *httptest.ResponseRecorder, v any) error {
	return json.NewDecoder(rec.Body).Decode(v)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer " + testAPIKey, http.StatusOK},
		{"x-api-key", "X-API-Key", testAPIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIPFilterApplies(t *testing.T) {
	filter, err := ipfilter.New([]string{"10.0.0.0/8"}, testLogger())
	require.NoError(t, err)
	env := newTestEnv(t, filter)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	req.RemoteAddr = "192.168.1.10:4000"
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Health stays reachable for probes
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.10:4000"
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRunCycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/cycles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CycleResponse](t, rec)
	assert.Equal(t, 3, resp.Claimed)
	assert.Equal(t, 3, resp.Outcomes["sent"])
	assert.Equal(t, "1.5s", resp.Duration)
	assert.Equal(t, 1, env.runner.calls)

	env.runner.err = errors.New("database is locked")
	rec = env.do(t, http.MethodPost, "/api/v1/cycles", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "database is locked")
}

func TestCampaignLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	base := "/api/v1/campaigns/" + env.campaign.ID

	// Cannot resume or start before there is something to run
	rec := env.do(t, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.addStep(t, models.EmailStep{Subject: "Hi", Body: "Hello"})

	rec = env.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	started := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, started["enrolled"])

	rec = env.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c, err := env.campaigns.GetByID(context.Background(), env.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, c.Status)

	rec = env.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c, err = env.campaigns.GetByID(context.Background(), env.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, c.Status)

	rec = env.do(t, http.MethodGet, base+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.CampaignStats](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.StatusInProgress])

	rec = env.do(t, http.MethodGet, base+"/contacts?status=in_progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, list["total"])

	rec = env.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])
}

func TestCampaignNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/v1/campaigns/missing", "/api/v1/campaigns/missing/stats"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStepCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/v1/campaigns/" + env.campaign.ID + "/steps"

	tests := []struct {
		name string
		body string
		want int
	}{
		{"email", `{"step_type":"email","config":{"subject":"Hi","body":"Hello"}}`, http.StatusCreated},
		{"wait", `{"step_type":"wait","config":{"days":2}}`, http.StatusCreated},
		{"named condition", `{"step_type":"condition","config":{"branches":[{"condition":"not_replied","wait_days":3}]}}`, http.StatusCreated},
		{"expression", `{"step_type":"condition","config":{"branches":[{"expression":"opened && hours_since_sent > 24.0"}]}}`, http.StatusCreated},
		{"empty email", `{"step_type":"email","config":{}}`, http.StatusBadRequest},
		{"negative wait", `{"step_type":"wait","config":{"hours":-1}}`, http.StatusBadRequest},
		{"unknown condition", `{"step_type":"condition","config":{"branches":[{"condition":"bounced"}]}}`, http.StatusBadRequest},
		{"bad expression", `{"step_type":"condition","config":{"branches":[{"expression":"sent_count + 1"}]}}`, http.StatusBadRequest},
		{"unknown type", `{"step_type":"sms","config":{}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(tt.body))
			req.Header.Set("X-API-Key", testAPIKey)
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Steps []models.Step `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Steps, 4)
	for i, s := range resp.Steps {
		assert.Equal(t, i+1, s.Order)
	}
}

func TestHandleEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addStep(t, models.EmailStep{Subject: "Hi", Body: "Hello"})
	_, err := env.campaigns.Start(context.Background(), env.campaign.ID, time.Now())
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/events", EventRequest{
		CampaignID: env.campaign.ID,
		ContactID:  env.contactID,
		Type:       models.EventOpened,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rows, err := env.execution.ListByCampaign(context.Background(), env.campaign.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusInProgress, rows[0].Status)

	rec = env.do(t, http.MethodPost, "/api/v1/events", EventRequest{
		CampaignID: env.campaign.ID,
		ContactID:  env.contactID,
		Type:       models.EventUnsubscribed,
		Metadata:   map[string]any{"source": "link"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rows, err = env.execution.ListByCampaign(context.Background(), env.campaign.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnsubscribed, rows[0].Status)

	contact, err := env.contacts.GetByID(context.Background(), env.contactID)
	require.NoError(t, err)
	assert.Equal(t, models.ContactUnsubscribed, contact.Status)

	events, err := env.events.ListForContact(context.Background(), env.campaign.ID, env.contactID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestHandleEventValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  EventRequest
		want int
	}{
		{"missing ids", EventRequest{Type: models.EventOpened}, http.StatusBadRequest},
		{"engine-only type", EventRequest{CampaignID: "c", ContactID: "x", Type: models.EventSent}, http.StatusBadRequest},
		{"unknown type", EventRequest{CampaignID: "c", ContactID: "x", Type: "bounced"}, http.StatusBadRequest},
		{"reply for unknown enrollment", EventRequest{CampaignID: env.campaign.ID, ContactID: "x", Type: models.EventReplied}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/events", tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader("{"))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEventClampsOccurredAt(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	env.server.now = func() time.Time { return now }

	post := func(at time.Time) models.EmailEvent {
		t.Helper()
		rec := env.do(t, http.MethodPost, "/api/v1/events", EventRequest{
			CampaignID: env.campaign.ID,
			ContactID:  env.contactID,
			Type:       models.EventOpened,
			OccurredAt: &at,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var ev models.EmailEvent
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&ev))
		return ev
	}

	// Past timestamps with no earlier event are kept
	ev := post(now.Add(-2 * time.Hour))
	assert.True(t, now.Add(-2*time.Hour).Equal(ev.OccurredAt))

	// Future timestamps are clamped to now
	ev = post(now.Add(72 * time.Hour))
	assert.True(t, now.Equal(ev.OccurredAt))

	// Timestamps before the latest event are raised to it
	ev = post(now.Add(-5 * time.Hour))
	assert.True(t, now.Equal(ev.OccurredAt))

	latest, err := env.events.LatestForContact(ctx, env.campaign.ID, env.contactID)
	require.NoError(t, err)
	assert.True(t, now.Equal(latest))

	events, err := env.events.ListForContact(ctx, env.campaign.ID, env.contactID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.False(t, ev.OccurredAt.After(now))
	}
}
