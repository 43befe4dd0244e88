package config_handler

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/logger"
	"pulse/pkg/models"
)

type fakeReloader struct {
	resyncs int
}

func (f *fakeReloader) Resync(context.Context) error {
	f.resyncs++
	return nil
}

type fakeRefresher struct {
	refreshed []int64
	evicted   []int64
}

func (f *fakeRefresher) RefreshAction(_ context.Context, id int64) error {
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeRefresher) Evict(id int64) {
	f.evicted = append(f.evicted, id)
}

func encode(t *testing.T, ev models.ReloadEvent) []byte {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body
}

func TestHandlePluginEventResyncs(t *testing.T) {
	plugins := &fakeReloader{}
	h := NewHandler(plugins, &fakeRefresher{}, logger.NopLogger())

	err := h.HandleReloadEvent(context.Background(), encode(t, models.ReloadEvent{
		EntityType: models.EntityTypePlugin,
		Action:     models.ActionUpdate,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, plugins.resyncs)
}

func TestHandleActionEventRefreshesOne(t *testing.T) {
	actions := &fakeRefresher{}
	h := NewHandler(&fakeReloader{}, actions, logger.NopLogger())

	err := h.HandleReloadEvent(context.Background(), encode(t, models.ReloadEvent{
		EntityType: models.EntityTypeAction,
		EntityID:   42,
		Action:     models.ActionUpdate,
	}))
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, actions.refreshed)
	assert.Empty(t, actions.evicted)
}

func TestHandleActionDeleteEvicts(t *testing.T) {
	actions := &fakeRefresher{}
	h := NewHandler(&fakeReloader{}, actions, logger.NopLogger())

	err := h.HandleReloadEvent(context.Background(), encode(t, models.ReloadEvent{
		EntityType: models.EntityTypeAction,
		EntityID:   42,
		Action:     models.ActionDelete,
	}))
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, actions.evicted)
	assert.Empty(t, actions.refreshed)
}

func TestHandleActionEventWithoutIDIsIgnored(t *testing.T) {
	actions := &fakeRefresher{}
	h := NewHandler(&fakeReloader{}, actions, logger.NopLogger())

	err := h.HandleReloadEvent(context.Background(), encode(t, models.ReloadEvent{
		EntityType: models.EntityTypeAction,
		Action:     models.ActionUpdate,
	}))
	require.NoError(t, err)
	assert.Empty(t, actions.refreshed)
}

func TestHandleUnknownEntityTypeAcked(t *testing.T) {
	plugins := &fakeReloader{}
	h := NewHandler(plugins, &fakeRefresher{}, logger.NopLogger())

	err := h.HandleReloadEvent(context.Background(), encode(t, models.ReloadEvent{
		EntityType: "dashboard",
	}))
	require.NoError(t, err)
	assert.Zero(t, plugins.resyncs)
}

func TestHandleUndecodablePayloadAcked(t *testing.T) {
	h := NewHandler(&fakeReloader{}, &fakeRefresher{}, logger.NopLogger())
	assert.NoError(t, h.HandleReloadEvent(context.Background(), []byte("{bad")))
}
