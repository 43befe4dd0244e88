package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/logger"
	"pulse/internal/sandbox"
)

type fakePluginRepo struct {
	configs     []Config
	plugins     map[int64]*Plugin
	attachments map[int64][]Attachment

	errors  map[int64]string
	cleared map[int64]bool
}

func newFakePluginRepo() *fakePluginRepo {
	return &fakePluginRepo{
		plugins:     make(map[int64]*Plugin),
		attachments: make(map[int64][]Attachment),
		errors:      make(map[int64]string),
		cleared:     make(map[int64]bool),
	}
}

func (f *fakePluginRepo) FetchEnabledConfigs(_ context.Context) ([]Config, error) {
	return f.configs, nil
}

func (f *fakePluginRepo) FetchPlugins(_ context.Context, ids []int64) (map[int64]*Plugin, error) {
	out := make(map[int64]*Plugin)
	for _, id := range ids {
		if p, ok := f.plugins[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakePluginRepo) FetchAttachments(_ context.Context, _ []int64) (map[int64][]Attachment, error) {
	return f.attachments, nil
}

func (f *fakePluginRepo) SetError(_ context.Context, configID int64, message string) error {
	f.errors[configID] = message
	return nil
}

func (f *fakePluginRepo) ClearError(_ context.Context, configID int64) error {
	f.cleared[configID] = true
	delete(f.errors, configID)
	return nil
}

func nopCaps(_ *Config) sandbox.Capabilities {
	return sandbox.Capabilities{}
}

func tenantPtr(id int64) *int64 {
	return &id
}

func newTestRegistry(repo Repository) *Registry {
	return NewRegistry(repo, nopCaps, logger.NopLogger())
}

func TestResyncBuildsRuntimesAndExcludesBroken(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "good", Source: `properties`}
	repo.plugins[2] = &Plugin{ID: 2, Name: "broken", Source: `not valid !!!`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true, Order: 0},
		{ID: 11, TenantID: tenantPtr(1), PluginID: 2, Enabled: true, Order: 1},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))

	chain := g.PipelineFor(1)
	require.Len(t, chain, 1)
	assert.Equal(t, int64(10), chain[0].config.ID)
	assert.Contains(t, repo.errors, int64(11))
}

func TestResyncIsIdempotent(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "p", Source: `properties`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))
	first := g.PipelineFor(1)[0].runtime

	require.NoError(t, g.Resync(context.Background()))
	second := g.PipelineFor(1)[0].runtime
	assert.Same(t, first, second)
}

func TestResyncEvictsRemovedConfigs(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "p", Source: `properties`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true},
		{ID: 11, TenantID: tenantPtr(1), PluginID: 1, Enabled: true},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))
	require.Len(t, g.PipelineFor(1), 2)

	repo.configs = repo.configs[:1]
	require.NoError(t, g.Resync(context.Background()))
	assert.Len(t, g.PipelineFor(1), 1)
}

func TestPipelineOrderTenantFirstThenDefaults(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "p", Source: `properties`}
	repo.configs = []Config{
		{ID: 30, TenantID: nil, PluginID: 1, Enabled: true, Order: 0},
		{ID: 21, TenantID: tenantPtr(1), PluginID: 1, Enabled: true, Order: 2},
		{ID: 20, TenantID: tenantPtr(1), PluginID: 1, Enabled: true, Order: 1},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))

	chain := g.PipelineFor(1)
	require.Len(t, chain, 3)
	assert.Equal(t, int64(20), chain[0].config.ID)
	assert.Equal(t, int64(21), chain[1].config.ID)
	assert.Equal(t, int64(30), chain[2].config.ID)
}

func TestRunPipelineChainsPropertyMutations(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "tagger", Source: `{"tagged": true}`}
	repo.plugins[2] = &Plugin{ID: 2, Name: "extender", Source: `{"tagged": properties["tagged"], "extended": true}`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true, Order: 0},
		{ID: 11, TenantID: tenantPtr(1), PluginID: 2, Enabled: true, Order: 1},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))

	props, keep := g.RunPipeline(context.Background(), 1,
		map[string]interface{}{"name": "pageview"},
		map[string]interface{}{"original": true},
		map[string]interface{}{})
	require.True(t, keep)
	assert.Equal(t, true, props["tagged"])
	assert.Equal(t, true, props["extended"])
	assert.NotContains(t, props, "original")
}

func TestRunPipelineDropsEventOnNull(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "dropper", Source: `null`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))

	_, keep := g.RunPipeline(context.Background(), 1,
		map[string]interface{}{}, map[string]interface{}{}, map[string]interface{}{})
	assert.False(t, keep)
}

func TestRunPipelineHookErrorMarksConfigAndContinues(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "faulty", Source: `properties["missing_key"]`}
	repo.plugins[2] = &Plugin{ID: 2, Name: "after", Source: `{"survived": true}`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true, Order: 0},
		{ID: 11, TenantID: tenantPtr(1), PluginID: 2, Enabled: true, Order: 1},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))

	props, keep := g.RunPipeline(context.Background(), 1,
		map[string]interface{}{}, map[string]interface{}{}, map[string]interface{}{})
	require.True(t, keep)
	assert.Equal(t, true, props["survived"])
	assert.Contains(t, repo.errors, int64(10))
}

func TestRunPipelineClearsErrorOnSuccess(t *testing.T) {
	repo := newFakePluginRepo()
	repo.plugins[1] = &Plugin{ID: 1, Name: "recovered", Source: `properties`}
	repo.configs = []Config{
		{ID: 10, TenantID: tenantPtr(1), PluginID: 1, Enabled: true,
			Error: &ConfigError{Message: "old failure"}},
	}

	g := newTestRegistry(repo)
	require.NoError(t, g.Resync(context.Background()))

	_, keep := g.RunPipeline(context.Background(), 1,
		map[string]interface{}{}, map[string]interface{}{}, map[string]interface{}{})
	require.True(t, keep)
	assert.True(t, repo.cleared[10])
}

func TestConfigVarsMergeManifestRowAndAttachments(t *testing.T) {
	vars := buildConfigVars(
		map[string]interface{}{"region": "us", "retries": 3},
		map[string]interface{}{"region": "eu"},
		[]Attachment{{Key: "geoip", Contents: []byte("blob")}})

	assert.Equal(t, "eu", vars["region"])
	assert.Equal(t, 3, vars["retries"])
	atts := vars["attachments"].(map[string]interface{})
	assert.Equal(t, "blob", atts["geoip"])
}
