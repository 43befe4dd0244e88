package config_handler

import (
	"context"

	"github.com/goccy/go-json"

	"pulse/internal/logger"
	"pulse/pkg/models"
)

// PluginReloader resyncs the plugin registry against the database.
type PluginReloader interface {
	Resync(ctx context.Context) error
}

// ActionRefresher refreshes or evicts one cached action.
type ActionRefresher interface {
	RefreshAction(ctx context.Context, id int64) error
	Evict(id int64)
}

// Handler reacts to reload signals published when tenant configuration
// changes. Plugin events trigger a full registry resync; action events are
// narrowed to the one action they name.
type Handler struct {
	plugins PluginReloader
	actions ActionRefresher
	logger  logger.Logger
}

func NewHandler(plugins PluginReloader, actions ActionRefresher, log logger.Logger) *Handler {
	return &Handler{
		plugins: plugins,
		actions: actions,
		logger:  log,
	}
}

// HandleReloadEvent decodes one reload message and applies it. Unknown
// entity types and undecodable payloads are acknowledged so a stale producer
// cannot wedge the reload topic.
func (h *Handler) HandleReloadEvent(ctx context.Context, value []byte) error {
	var ev models.ReloadEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		h.logger.ErrorwCtx(ctx, "Discarding undecodable reload event", "error", err)
		return nil
	}

	switch ev.EntityType {
	case models.EntityTypePlugin:
		if h.plugins == nil {
			return nil
		}
		h.logger.InfowCtx(ctx, "Resyncing plugin registry",
			"action", ev.Action,
			"changed_by", ev.ChangedBy,
		)
		return h.plugins.Resync(ctx)

	case models.EntityTypeAction:
		if h.actions == nil || ev.EntityID == 0 {
			return nil
		}
		if ev.Action == models.ActionDelete {
			h.actions.Evict(ev.EntityID)
			return nil
		}
		h.logger.InfowCtx(ctx, "Refreshing action",
			"action_id", ev.EntityID,
			"action", ev.Action,
		)
		return h.actions.RefreshAction(ctx, ev.EntityID)

	default:
		h.logger.WarnwCtx(ctx, "Ignoring reload event for unknown entity type",
			"entity_type", ev.EntityType,
		)
		return nil
	}
}
