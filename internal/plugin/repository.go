package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"pulse/internal/storage"
)

type Repository interface {
	FetchEnabledConfigs(ctx context.Context) ([]Config, error)
	FetchPlugins(ctx context.Context, ids []int64) (map[int64]*Plugin, error)
	FetchAttachments(ctx context.Context, configIDs []int64) (map[int64][]Attachment, error)
	SetError(ctx context.Context, configID int64, message string) error
	ClearError(ctx context.Context, configID int64) error
}

type PostgresRepository struct {
	gw *storage.Gateway
}

func NewRepository(gw *storage.Gateway) Repository {
	return &PostgresRepository{gw: gw}
}

func (r *PostgresRepository) FetchEnabledConfigs(ctx context.Context) ([]Config, error) {
	rows, err := r.gw.Query(ctx, "plugin_configs_fetch", `
		SELECT id, tenant_id, plugin_id, enabled, exec_order, config, error
		FROM plugin_configs
		WHERE enabled = true
		ORDER BY exec_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin configs: %w", err)
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var c Config
		var configJSON, errorJSON []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &c.PluginID, &c.Enabled, &c.Order, &configJSON, &errorJSON); err != nil {
			return nil, fmt.Errorf("failed to scan plugin config: %w", err)
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &c.Config); err != nil {
				return nil, fmt.Errorf("failed to decode plugin config %d: %w", c.ID, err)
			}
		}
		if len(errorJSON) > 0 {
			var ce ConfigError
			if err := json.Unmarshal(errorJSON, &ce); err == nil && ce.Message != "" {
				c.Error = &ce
			}
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return configs, nil
}

func (r *PostgresRepository) FetchPlugins(ctx context.Context, ids []int64) (map[int64]*Plugin, error) {
	if len(ids) == 0 {
		return map[int64]*Plugin{}, nil
	}

	rows, err := r.gw.Query(ctx, "plugins_fetch", `
		SELECT id, name, url, source, archive, created_at
		FROM plugins
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins: %w", err)
	}
	defer rows.Close()

	plugins := make(map[int64]*Plugin)
	for rows.Next() {
		var p Plugin
		if err := rows.Scan(&p.ID, &p.Name, &p.URL, &p.Source, &p.Archive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		plugins[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return plugins, nil
}

func (r *PostgresRepository) FetchAttachments(ctx context.Context, configIDs []int64) (map[int64][]Attachment, error) {
	if len(configIDs) == 0 {
		return map[int64][]Attachment{}, nil
	}

	rows, err := r.gw.Query(ctx, "plugin_attachments_fetch", `
		SELECT id, plugin_config_id, key, content_type, contents
		FROM plugin_attachments
		WHERE plugin_config_id = ANY($1)
	`, pq.Array(configIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin attachments: %w", err)
	}
	defer rows.Close()

	attachments := make(map[int64][]Attachment)
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ConfigID, &a.Key, &a.ContentType, &a.Contents); err != nil {
			return nil, fmt.Errorf("failed to scan plugin attachment: %w", err)
		}
		attachments[a.ConfigID] = append(attachments[a.ConfigID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return attachments, nil
}

func (r *PostgresRepository) SetError(ctx context.Context, configID int64, message string) error {
	errJSON, err := json.Marshal(ConfigError{Message: message, OccurredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode config error: %w", err)
	}

	_, err = r.gw.Exec(ctx, "plugin_config_set_error", `
		UPDATE plugin_configs SET error = $1 WHERE id = $2
	`, errJSON, configID)
	if err != nil {
		return fmt.Errorf("failed to record config error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ClearError(ctx context.Context, configID int64) error {
	_, err := r.gw.Exec(ctx, "plugin_config_clear_error", `
		UPDATE plugin_configs SET error = NULL WHERE id = $1
	`, configID)
	if err != nil {
		return fmt.Errorf("failed to clear config error: %w", err)
	}
	return nil
}
