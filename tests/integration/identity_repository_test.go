package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/identity"
	pkgerrors "pulse/pkg/errors"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []sinkRecord
}

type sinkRecord struct {
	topic string
	key   string
	value interface{}
}

func (s *recordingSink) Enqueue(_ context.Context, topic, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkRecord{topic: topic, key: key, value: value})
	return nil
}

func TestIdentityRepository_CreateAndFetch(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-create")
	repo := identity.NewRepository(createGateway(infra.PostgresDB))

	created, err := repo.CreatePerson(ctx, tenantID, map[string]interface{}{"plan": "free"}, false, time.Now().UTC(), "user-1")
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	fetched, err := repo.FetchPerson(ctx, tenantID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "free", fetched.Properties["plan"])

	missing, err := repo.FetchPerson(ctx, tenantID, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIdentityRepository_DuplicateDistinctIDIsConflict(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-conflict")
	repo := identity.NewRepository(createGateway(infra.PostgresDB))

	_, err := repo.CreatePerson(ctx, tenantID, nil, false, time.Now().UTC(), "user-1")
	require.NoError(t, err)

	_, err = repo.CreatePerson(ctx, tenantID, nil, false, time.Now().UTC(), "user-1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestIdentityRepository_SameDistinctIDAcrossTenants(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	tenantA := createTenant(t, infra.PostgresDB, "acme", "token-a")
	tenantB := createTenant(t, infra.PostgresDB, "globex", "token-b")
	repo := identity.NewRepository(createGateway(infra.PostgresDB))

	pa, err := repo.CreatePerson(ctx, tenantA, nil, false, time.Now().UTC(), "user-1")
	require.NoError(t, err)
	pb, err := repo.CreatePerson(ctx, tenantB, nil, false, time.Now().UTC(), "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, pa.ID, pb.ID)
}

func TestIdentityRepository_MovePersonData(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-move")
	repo := identity.NewRepository(createGateway(infra.PostgresDB))

	loser, err := repo.CreatePerson(ctx, tenantID, nil, false, time.Now().UTC(), "anon-0")
	require.NoError(t, err)
	winner, err := repo.CreatePerson(ctx, tenantID, nil, true, time.Now().UTC(), "user-1")
	require.NoError(t, err)

	shared := createCohort(t, infra.PostgresDB, tenantID, "beta")
	loserOnly := createCohort(t, infra.PostgresDB, tenantID, "trial")
	addToCohort(t, infra.PostgresDB, shared, loser.ID)
	addToCohort(t, infra.PostgresDB, shared, winner.ID)
	addToCohort(t, infra.PostgresDB, loserOnly, loser.ID)

	require.NoError(t, repo.MovePersonData(ctx, loser, winner))
	require.NoError(t, repo.DeletePerson(ctx, loser))

	moved, err := repo.FetchPerson(ctx, tenantID, "anon-0")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, winner.ID, moved.ID)

	ids, err := repo.DistinctIDs(ctx, winner)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anon-0", "user-1"}, ids)

	// Shared membership deduplicated, loser-only membership transferred.
	var sharedCount int
	require.NoError(t, infra.PostgresDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cohort_people WHERE cohort_id = $1 AND person_id = $2`,
		shared, winner.ID).Scan(&sharedCount))
	assert.Equal(t, 1, sharedCount)

	var trialCount int
	require.NoError(t, infra.PostgresDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cohort_people WHERE cohort_id = $1 AND person_id = $2`,
		loserOnly, winner.ID).Scan(&trialCount))
	assert.Equal(t, 1, trialCount)
}

func TestIdentityResolver_MergeEndToEnd(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-merge")
	gw := createGateway(infra.PostgresDB)
	repo := identity.NewRepository(gw)
	sink := &recordingSink{}
	resolver := identity.NewResolver(repo, nil, sink, createTestLogger(), identity.ResolverOptions{})

	now := time.Now().UTC()
	_, err := resolver.ResolveOrCreate(ctx, tenantID, "anon-0", now)
	require.NoError(t, err)

	person, err := resolver.HandleIdentify(ctx, tenantID, "anon-0", "user-1",
		map[string]interface{}{"email": "kim@acme.test"}, nil, now)
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.True(t, person.IsIdentified)
	assert.Equal(t, "kim@acme.test", person.Properties["email"])

	// Both distinct ids now resolve to the same person.
	byAnon, err := repo.FetchPerson(ctx, tenantID, "anon-0")
	require.NoError(t, err)
	byCurrent, err := repo.FetchPerson(ctx, tenantID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, byAnon)
	require.NotNil(t, byCurrent)
	assert.Equal(t, byAnon.ID, byCurrent.ID)
}

func TestIdentityResolver_PersonSeenCache(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	tenantID := createTenant(t, infra.PostgresDB, "acme", "token-seen")
	gw := createGateway(infra.PostgresDB)
	repo := identity.NewRepository(gw)
	sink := &recordingSink{}

	cache := newRedisSeenCache(infra)
	resolver := identity.NewResolver(repo, cache, sink, createTestLogger(), identity.ResolverOptions{})

	now := time.Now().UTC()
	require.NoError(t, resolver.EnsurePersonSeen(ctx, tenantID, "viewer-1", now))
	require.NoError(t, resolver.EnsurePersonSeen(ctx, tenantID, "viewer-1", now))

	person, err := repo.FetchPerson(ctx, tenantID, "viewer-1")
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.False(t, person.IsIdentified)
}
