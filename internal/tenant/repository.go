package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pulse/internal/storage"
)

type Repository interface {
	Get(ctx context.Context, id int64) (*Tenant, error)
	GetByToken(ctx context.Context, token string) (*Tenant, error)
}

type PostgresRepository struct {
	gw *storage.Gateway
}

func NewRepository(gw *storage.Gateway) Repository {
	return &PostgresRepository{gw: gw}
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*Tenant, error) {
	query := `
		SELECT id, name, api_token, slack_incoming_webhook, slack_message_format, hooks_enabled, created_at
		FROM tenants
		WHERE id = $1
	`
	return r.scan(r.gw.QueryRow(ctx, "tenant_get", query, id))
}

func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*Tenant, error) {
	query := `
		SELECT id, name, api_token, slack_incoming_webhook, slack_message_format, hooks_enabled, created_at
		FROM tenants
		WHERE api_token = $1
	`
	return r.scan(r.gw.QueryRow(ctx, "tenant_get_by_token", query, token))
}

func (r *PostgresRepository) scan(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var webhook, format sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.APIToken, &webhook, &format, &t.HooksEnabled, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	t.SlackIncomingWebhook = webhook.String
	t.SlackMessageFormat = format.String
	return &t, nil
}
