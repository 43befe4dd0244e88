package plugin

import (
	"context"
	"sort"
	"sync"
	"time"

	"pulse/internal/constants"
	"pulse/internal/logger"
	"pulse/internal/sandbox"
	"pulse/pkg/metrics"
)

// CapabilityFactory builds the sandbox surface for one config. The caller
// decides what the plugin may reach (cache scope, capture token, limits).
type CapabilityFactory func(cfg *Config) sandbox.Capabilities

type loadedConfig struct {
	config         Config
	plugin         *Plugin
	runtime        *sandbox.Runtime
	manifestConfig map[string]interface{}
	vars           map[string]interface{}
}

// Registry owns the loaded plugin configs and their sandbox runtimes. It is
// an explicitly constructed cache with two entry points: Resync for reload
// signals and RunPipeline for the event path. Resync is idempotent; a config
// that already has a runtime for the same plugin keeps it.
type Registry struct {
	repo   Repository
	caps   CapabilityFactory
	logger logger.Logger

	mu        sync.RWMutex
	plugins   map[int64]*Plugin
	configs   map[int64]*loadedConfig
	pipelines map[int64][]*loadedConfig
	defaults  []*loadedConfig
}

func NewRegistry(repo Repository, caps CapabilityFactory, log logger.Logger) *Registry {
	return &Registry{
		repo:      repo,
		caps:      caps,
		logger:    log,
		plugins:   make(map[int64]*Plugin),
		configs:   make(map[int64]*loadedConfig),
		pipelines: make(map[int64][]*loadedConfig),
	}
}

// Resync diffs the registry against freshly fetched rows: stale plugins and
// configs are evicted, new configs get a runtime built, existing runtimes
// are kept as-is. Configs that fail to load are recorded on the row and
// excluded from pipelines without affecting the rest.
func (g *Registry) Resync(ctx context.Context) error {
	rows, err := g.repo.FetchEnabledConfigs(ctx)
	if err != nil {
		return err
	}

	pluginIDSet := make(map[int64]bool)
	configIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		pluginIDSet[row.PluginID] = true
		configIDs = append(configIDs, row.ID)
	}
	pluginIDs := make([]int64, 0, len(pluginIDSet))
	for id := range pluginIDSet {
		pluginIDs = append(pluginIDs, id)
	}

	plugins, err := g.repo.FetchPlugins(ctx, pluginIDs)
	if err != nil {
		return err
	}
	attachments, err := g.repo.FetchAttachments(ctx, configIDs)
	if err != nil {
		return err
	}

	g.mu.RLock()
	existing := make(map[int64]*loadedConfig, len(g.configs))
	for id, lc := range g.configs {
		existing[id] = lc
	}
	g.mu.RUnlock()

	newConfigs := make(map[int64]*loadedConfig, len(rows))
	var loaded, errored int

	for _, row := range rows {
		row := row
		pl, ok := plugins[row.PluginID]
		if !ok {
			g.markErrored(ctx, row.ID, "plugin row missing")
			errored++
			continue
		}

		if prev, ok := existing[row.ID]; ok && prev.config.PluginID == row.PluginID && prev.runtime != nil {
			lc := &loadedConfig{
				config:         row,
				plugin:         pl,
				runtime:        prev.runtime,
				manifestConfig: prev.manifestConfig,
			}
			lc.vars = buildConfigVars(lc.manifestConfig, row.Config, attachments[row.ID])
			newConfigs[row.ID] = lc
			loaded++
			continue
		}

		src, err := LoadSource(pl)
		if err != nil {
			g.markErrored(ctx, row.ID, err.Error())
			errored++
			continue
		}
		runtime, err := sandbox.Compile(src.Source, g.caps(&row))
		if err != nil {
			g.markErrored(ctx, row.ID, err.Error())
			errored++
			continue
		}

		newConfigs[row.ID] = &loadedConfig{
			config:         row,
			plugin:         pl,
			runtime:        runtime,
			manifestConfig: src.Config,
			vars:           buildConfigVars(src.Config, row.Config, attachments[row.ID]),
		}
		loaded++
	}

	pipelines := make(map[int64][]*loadedConfig)
	var defaults []*loadedConfig
	for _, lc := range newConfigs {
		if lc.config.TenantID == nil {
			defaults = append(defaults, lc)
		} else {
			pipelines[*lc.config.TenantID] = append(pipelines[*lc.config.TenantID], lc)
		}
	}
	sortConfigs(defaults)
	for _, chain := range pipelines {
		sortConfigs(chain)
	}

	g.mu.Lock()
	g.plugins = plugins
	g.configs = newConfigs
	g.pipelines = pipelines
	g.defaults = defaults
	g.mu.Unlock()

	metrics.PluginConfigsLoaded.WithLabelValues("loaded").Set(float64(loaded))
	metrics.PluginConfigsLoaded.WithLabelValues("errored").Set(float64(errored))

	g.logger.InfowCtx(ctx, "Plugin registry resynced",
		"configs_loaded", loaded,
		"configs_errored", errored,
		"plugins", len(plugins),
	)
	return nil
}

// PipelineFor returns the tenant's ordered chain: tenant-specific configs
// first, then the global defaults.
func (g *Registry) PipelineFor(tenantID int64) []*loadedConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()

	chain := make([]*loadedConfig, 0, len(g.pipelines[tenantID])+len(g.defaults))
	chain = append(chain, g.pipelines[tenantID]...)
	chain = append(chain, g.defaults...)
	return chain
}

// RunPipeline executes processEvent across the tenant's chain. A hook
// failure marks that config errored and the chain continues; a successful
// run clears a previously recorded error. The second return is false when a
// plugin dropped the event.
func (g *Registry) RunPipeline(ctx context.Context, tenantID int64, event, properties, meta map[string]interface{}) (map[string]interface{}, bool) {
	for _, lc := range g.PipelineFor(tenantID) {
		vars := map[string]interface{}{
			"event":      event,
			"properties": properties,
			"config":     lc.vars,
			"meta":       meta,
		}

		newProps, keep, err := lc.runtime.ProcessEvent(ctx, vars)
		if err != nil {
			metrics.CapturedErrorsTotal.WithLabelValues("plugin").Inc()
			g.logger.ErrorwCtx(ctx, "Plugin hook failed",
				"error", err,
				"plugin_config_id", lc.config.ID,
				"plugin", lc.plugin.Name,
			)
			g.markErrored(ctx, lc.config.ID, err.Error())
			continue
		}
		if lc.config.Error != nil {
			if clearErr := g.repo.ClearError(ctx, lc.config.ID); clearErr == nil {
				lc.config.Error = nil
			}
		}
		if !keep {
			return nil, false
		}
		if newProps != nil {
			properties = newProps
		}
	}
	return properties, true
}

// OnEvent runs the onEvent hook across the chain after persistence. Results
// are ignored; failures are recorded the same way as processEvent failures.
func (g *Registry) OnEvent(ctx context.Context, tenantID int64, event, properties, meta map[string]interface{}) {
	for _, lc := range g.PipelineFor(tenantID) {
		vars := map[string]interface{}{
			"event":      event,
			"properties": properties,
			"config":     lc.vars,
			"meta":       meta,
		}
		if _, _, err := lc.runtime.Invoke(ctx, constants.HookOnEvent, vars); err != nil {
			metrics.CapturedErrorsTotal.WithLabelValues("plugin").Inc()
			g.markErrored(ctx, lc.config.ID, err.Error())
		}
	}
}

// Run drives periodic resyncs until ctx is canceled. Reload signals trigger
// extra resyncs out of band; the ticker is the safety net.
func (g *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.Resync(ctx); err != nil {
				g.logger.ErrorwCtx(ctx, "Periodic plugin resync failed",
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Registry) markErrored(ctx context.Context, configID int64, message string) {
	if err := g.repo.SetError(ctx, configID, message); err != nil {
		g.logger.ErrorwCtx(ctx, "Failed to record plugin config error",
			"error", err,
			"plugin_config_id", configID,
		)
	}
}

func buildConfigVars(manifestConfig, rowConfig map[string]interface{}, atts []Attachment) map[string]interface{} {
	vars := make(map[string]interface{}, len(manifestConfig)+len(rowConfig)+1)
	for k, v := range manifestConfig {
		vars[k] = v
	}
	for k, v := range rowConfig {
		vars[k] = v
	}
	if len(atts) > 0 {
		attVars := make(map[string]interface{}, len(atts))
		for _, a := range atts {
			attVars[a.Key] = string(a.Contents)
		}
		vars["attachments"] = attVars
	}
	return vars
}

func sortConfigs(chain []*loadedConfig) {
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].config.Order != chain[j].config.Order {
			return chain[i].config.Order < chain[j].config.Order
		}
		return chain[i].config.ID < chain[j].config.ID
	})
}
