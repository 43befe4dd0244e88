package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/hook"
)

func insertHook(t *testing.T, infra *TestInfra, id string, tenantID int64, event string, resourceID *int64, target string) {
	t.Helper()
	_, err := infra.PostgresDB.ExecContext(context.Background(), `
		INSERT INTO hooks (id, tenant_id, event, resource_id, target)
		VALUES ($1, $2, $3, $4, $5)
	`, id, tenantID, event, resourceID, target)
	require.NoError(t, err)
}

func TestHookRepository_FetchHooksResourceFilter(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-hooks")
	repo := hook.NewRepository(createGateway(infra.PostgresDB))

	actionA := int64(101)
	actionB := int64(102)
	insertHook(t, infra, "hook-global", tenantID, "action_performed", nil, "https://example.test/all")
	insertHook(t, infra, "hook-a", tenantID, "action_performed", &actionA, "https://example.test/a")
	insertHook(t, infra, "hook-b", tenantID, "action_performed", &actionB, "https://example.test/b")

	hooks, err := repo.FetchHooks(ctx, tenantID, "action_performed", actionA)
	require.NoError(t, err)

	ids := make([]string, 0, len(hooks))
	for _, h := range hooks {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"hook-global", "hook-a"}, ids)
}

func TestHookRepository_DeleteHook(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-hook-del")
	repo := hook.NewRepository(createGateway(infra.PostgresDB))

	insertHook(t, infra, "hook-gone", tenantID, "action_performed", nil, "https://example.test/gone")
	require.NoError(t, repo.DeleteHook(ctx, "hook-gone"))

	hooks, err := repo.FetchHooks(ctx, tenantID, "action_performed", 0)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}
