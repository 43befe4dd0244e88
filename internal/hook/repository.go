package hook

import (
	"context"
	"fmt"

	"pulse/internal/storage"
)

type Repository interface {
	// FetchHooks returns the tenant's hooks for one event, including hooks
	// not narrowed to a resource.
	FetchHooks(ctx context.Context, tenantID int64, event string, resourceID int64) ([]Hook, error)
	DeleteHook(ctx context.Context, id string) error
}

type PostgresRepository struct {
	gw *storage.Gateway
}

func NewRepository(gw *storage.Gateway) Repository {
	return &PostgresRepository{gw: gw}
}

func (r *PostgresRepository) FetchHooks(ctx context.Context, tenantID int64, event string, resourceID int64) ([]Hook, error) {
	rows, err := r.gw.Query(ctx, "hooks_fetch", `
		SELECT id, tenant_id, event, resource_id, target
		FROM hooks
		WHERE tenant_id = $1 AND event = $2 AND (resource_id = $3 OR resource_id IS NULL)
	`, tenantID, event, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hooks: %w", err)
	}
	defer rows.Close()

	var hooks []Hook
	for rows.Next() {
		var h Hook
		if err := rows.Scan(&h.ID, &h.TenantID, &h.Event, &h.ResourceID, &h.Target); err != nil {
			return nil, fmt.Errorf("failed to scan hook: %w", err)
		}
		hooks = append(hooks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return hooks, nil
}

func (r *PostgresRepository) DeleteHook(ctx context.Context, id string) error {
	_, err := r.gw.Exec(ctx, "hook_delete", `
		DELETE FROM hooks WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete hook: %w", err)
	}
	return nil
}
