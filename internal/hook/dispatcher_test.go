package hook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/action"
	"pulse/internal/logger"
	"pulse/internal/tenant"
)

type fakeHookRepo struct {
	mu      sync.Mutex
	hooks   []Hook
	deleted []string
}

func (f *fakeHookRepo) FetchHooks(_ context.Context, tenantID int64, event string, resourceID int64) ([]Hook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Hook
	for _, h := range f.hooks {
		if h.TenantID != tenantID || h.Event != event {
			continue
		}
		if h.ResourceID != nil && *h.ResourceID != resourceID {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeHookRepo) DeleteHook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, id)
	for i, h := range f.hooks {
		if h.ID == id {
			f.hooks = append(f.hooks[:i], f.hooks[i+1:]...)
			break
		}
	}
	return nil
}

func dispatchInput(t *tenant.Tenant, matched ...*action.Action) *DispatchInput {
	return &DispatchInput{
		Tenant:           t,
		EventUUID:        "0f5e9c1a-0000-4000-8000-000000000001",
		EventName:        "purchase",
		DistinctID:       "user-1",
		SiteURL:          "https://app.example.com",
		Timestamp:        time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		EventProperties:  map[string]interface{}{"amount": 42},
		PersonProperties: map[string]interface{}{"email": "sam@example.com"},
		Matched:          matched,
	}
}

func TestFindAndFireHooksPostsSlackPayload(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer srv.Close()

	repo := &fakeHookRepo{}
	d := NewDispatcher(repo, srv.Client(), nil, logger.NopLogger())

	// The slack.com check drives the dialect, so point the tenant at the
	// test server but format as generic markdown.
	tn := &tenant.Tenant{ID: 1, SlackIncomingWebhook: srv.URL}
	err := d.FindAndFireHooks(context.Background(),
		dispatchInput(tn, &action.Action{ID: 5, TenantID: 1, Name: "Purchases", PostToSlack: true}))
	require.NoError(t, err)

	require.Len(t, bodies, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Contains(t, payload["text"], "Purchases")
}

func TestFindAndFireHooksSkipsActionsWithoutSlackFlag(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	defer srv.Close()

	d := NewDispatcher(&fakeHookRepo{}, srv.Client(), nil, logger.NopLogger())
	tn := &tenant.Tenant{ID: 1, SlackIncomingWebhook: srv.URL}

	err := d.FindAndFireHooks(context.Background(),
		dispatchInput(tn, &action.Action{ID: 5, TenantID: 1, Name: "Quiet", PostToSlack: false}))
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestFindAndFireHooksPostsRESTPayload(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer srv.Close()

	repo := &fakeHookRepo{hooks: []Hook{
		{ID: "h1", TenantID: 1, Event: EventHookPerformed, Target: srv.URL},
	}}
	d := NewDispatcher(repo, srv.Client(), nil, logger.NopLogger())
	tn := &tenant.Tenant{ID: 1, HooksEnabled: true}

	err := d.FindAndFireHooks(context.Background(),
		dispatchInput(tn, &action.Action{ID: 5, TenantID: 1, Name: "Purchases"}))
	require.NoError(t, err)

	require.Len(t, bodies, 1)
	var payload struct {
		Hook Hook                   `json:"hook"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Equal(t, "h1", payload.Hook.ID)
	assert.Equal(t, "purchase", payload.Data["event"])
	assert.Equal(t, "user-1", payload.Data["distinct_id"])
	assert.NotNil(t, payload.Data["person"])
}

func TestGoneResponseDeletesHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	repo := &fakeHookRepo{hooks: []Hook{
		{ID: "h1", TenantID: 1, Event: EventHookPerformed, Target: srv.URL},
	}}
	d := NewDispatcher(repo, srv.Client(), nil, logger.NopLogger())
	tn := &tenant.Tenant{ID: 1, HooksEnabled: true}
	in := dispatchInput(tn, &action.Action{ID: 5, TenantID: 1, Name: "Purchases"})

	require.NoError(t, d.FindAndFireHooks(context.Background(), in))
	assert.Equal(t, []string{"h1"}, repo.deleted)

	// The hook is gone from subsequent lookups.
	hooks, err := repo.FetchHooks(context.Background(), 1, EventHookPerformed, 5)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestOneBadTargetDoesNotBlockOthers(t *testing.T) {
	var okCalls int
	var mu sync.Mutex
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		okCalls++
		mu.Unlock()
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	repo := &fakeHookRepo{hooks: []Hook{
		{ID: "bad", TenantID: 1, Event: EventHookPerformed, Target: badSrv.URL},
		{ID: "good", TenantID: 1, Event: EventHookPerformed, Target: okSrv.URL},
	}}
	d := NewDispatcher(repo, http.DefaultClient, nil, logger.NopLogger())
	tn := &tenant.Tenant{ID: 1, HooksEnabled: true}

	err := d.FindAndFireHooks(context.Background(),
		dispatchInput(tn, &action.Action{ID: 5, TenantID: 1, Name: "Purchases"}))
	assert.Error(t, err)
	assert.Equal(t, 1, okCalls)
}

func TestHookResourceFilter(t *testing.T) {
	otherAction := int64(99)
	repo := &fakeHookRepo{hooks: []Hook{
		{ID: "scoped", TenantID: 1, Event: EventHookPerformed, ResourceID: &otherAction, Target: "http://unused"},
	}}

	hooks, err := repo.FetchHooks(context.Background(), 1, EventHookPerformed, 5)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}
