package integration

import (
	"context"
	"database/sql"
	"strconv"
	"testing"

	"pulse/internal/logger"
	"pulse/internal/storage"
)

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createGateway(db *sql.DB) *storage.Gateway {
	return storage.NewGateway(db, nil, createTestLogger())
}

func newRedisSeenCache(infra *TestInfra) *storage.Cache {
	return storage.NewCache(infra.RedisClient, createTestLogger())
}

func createTenant(t *testing.T, db *sql.DB, name, token string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO tenants (name, api_token, hooks_enabled)
		VALUES ($1, $2, true)
		RETURNING id
	`, name, token).Scan(&id)
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	return id
}

func createCohort(t *testing.T, db *sql.DB, tenantID int64, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO cohorts (tenant_id, name) VALUES ($1, $2) RETURNING id
	`, tenantID, name).Scan(&id)
	if err != nil {
		t.Fatalf("failed to create cohort: %v", err)
	}
	return id
}

func addToCohort(t *testing.T, db *sql.DB, cohortID, personID int64) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO cohort_people (cohort_id, person_id) VALUES ($1, $2)
	`, cohortID, personID)
	if err != nil {
		t.Fatalf("failed to add person to cohort: %v", err)
	}
}
