package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/logger"
	pkgerrors "pulse/pkg/errors"
)

type fakeRepo struct {
	nextID   int64
	persons  map[int64]*Person
	distinct map[string]int64
	cohorts  map[int64]map[int64]bool

	createConflicts  int
	onCreateConflict func()
	addConflicts     int
	creates          int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		persons:  make(map[int64]*Person),
		distinct: make(map[string]int64),
		cohorts:  make(map[int64]map[int64]bool),
	}
}

func distinctKey(tenantID int64, distinctID string) string {
	return fmt.Sprintf("%d:%s", tenantID, distinctID)
}

func copyPerson(p *Person) *Person {
	cp := *p
	cp.Properties = make(map[string]interface{}, len(p.Properties))
	for k, v := range p.Properties {
		cp.Properties[k] = v
	}
	return &cp
}

func (f *fakeRepo) FetchPerson(_ context.Context, tenantID int64, distinctID string) (*Person, error) {
	id, ok := f.distinct[distinctKey(tenantID, distinctID)]
	if !ok {
		return nil, nil
	}
	return copyPerson(f.persons[id]), nil
}

func (f *fakeRepo) CreatePerson(_ context.Context, tenantID int64, properties map[string]interface{}, isIdentified bool, createdAt time.Time, distinctIDs ...string) (*Person, error) {
	f.creates++
	if f.createConflicts > 0 {
		f.createConflicts--
		if f.onCreateConflict != nil {
			f.onCreateConflict()
		}
		return nil, pkgerrors.ErrConflict
	}
	for _, d := range distinctIDs {
		if _, exists := f.distinct[distinctKey(tenantID, d)]; exists {
			return nil, pkgerrors.ErrConflict
		}
	}
	if properties == nil {
		properties = map[string]interface{}{}
	}
	f.nextID++
	p := &Person{
		ID:           f.nextID,
		UUID:         fmt.Sprintf("uuid-%d", f.nextID),
		TenantID:     tenantID,
		Properties:   properties,
		IsIdentified: isIdentified,
		CreatedAt:    createdAt,
	}
	f.persons[p.ID] = p
	for _, d := range distinctIDs {
		f.distinct[distinctKey(tenantID, d)] = p.ID
	}
	return copyPerson(p), nil
}

func (f *fakeRepo) AddDistinctID(_ context.Context, person *Person, distinctID string) error {
	if f.addConflicts > 0 {
		f.addConflicts--
		return pkgerrors.ErrConflict
	}
	key := distinctKey(person.TenantID, distinctID)
	if _, exists := f.distinct[key]; exists {
		return pkgerrors.ErrConflict
	}
	f.distinct[key] = person.ID
	return nil
}

func (f *fakeRepo) UpdateProperties(_ context.Context, person *Person) error {
	stored, ok := f.persons[person.ID]
	if !ok {
		return fmt.Errorf("person %d not found", person.ID)
	}
	stored.Properties = person.Properties
	return nil
}

func (f *fakeRepo) SetIdentified(_ context.Context, person *Person) error {
	f.persons[person.ID].IsIdentified = true
	person.IsIdentified = true
	return nil
}

func (f *fakeRepo) UpdateCreatedAt(_ context.Context, person *Person, createdAt time.Time) error {
	f.persons[person.ID].CreatedAt = createdAt
	person.CreatedAt = createdAt
	return nil
}

func (f *fakeRepo) MovePersonData(_ context.Context, from, to *Person) error {
	for key, id := range f.distinct {
		if id == from.ID {
			f.distinct[key] = to.ID
		}
	}
	for cohortID := range f.cohorts[from.ID] {
		if f.cohorts[to.ID] == nil {
			f.cohorts[to.ID] = make(map[int64]bool)
		}
		f.cohorts[to.ID][cohortID] = true
	}
	delete(f.cohorts, from.ID)
	return nil
}

func (f *fakeRepo) DeletePerson(_ context.Context, person *Person) error {
	delete(f.persons, person.ID)
	return nil
}

func (f *fakeRepo) DistinctIDs(_ context.Context, person *Person) ([]string, error) {
	var ids []string
	for key, id := range f.distinct {
		if id == person.ID {
			ids = append(ids, key[len(fmt.Sprintf("%d:", person.TenantID)):])
		}
	}
	return ids, nil
}

type fakeSink struct {
	rows []interface{}
}

func (s *fakeSink) Enqueue(_ context.Context, _, _ string, value interface{}) error {
	s.rows = append(s.rows, value)
	return nil
}

func newTestResolver(repo Repository, sink Publisher) *Resolver {
	return NewResolver(repo, nil, sink, logger.NopLogger(), ResolverOptions{})
}

func TestResolveOrCreateCreatesAnonymousPerson(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	r := newTestResolver(repo, sink)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := r.ResolveOrCreate(context.Background(), 1, "anon-1", ts)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.IsIdentified)
	assert.Equal(t, ts, p.CreatedAt)

	again, err := r.ResolveOrCreate(context.Background(), 1, "anon-1", ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, 1, repo.creates)
}

func TestResolveOrCreateAbsorbsUniquenessRace(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	// A concurrent writer wins the insert race; the retry must refetch and
	// adopt the winner instead of failing.
	winner, err := repo.CreatePerson(context.Background(), 1, nil, false, time.Now(), "racer")
	require.NoError(t, err)
	delete(repo.distinct, distinctKey(1, "racer"))
	repo.createConflicts = 1
	// The winner's mapping appears between the failed insert and the refetch.
	repo.onCreateConflict = func() {
		repo.distinct[distinctKey(1, "racer")] = winner.ID
	}

	p, err := r.ResolveOrCreate(context.Background(), 1, "racer", time.Now())
	require.NoError(t, err)
	assert.Equal(t, winner.ID, p.ID)
	assert.Equal(t, 2, repo.creates)
}

func TestAliasAttachesMissingDistinctID(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	existing, err := repo.CreatePerson(context.Background(), 1, nil, false, time.Now(), "known")
	require.NoError(t, err)

	err = r.Alias(context.Background(), 1, "known", "fresh", time.Now(), true)
	require.NoError(t, err)

	p, err := repo.FetchPerson(context.Background(), 1, "fresh")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, existing.ID, p.ID)
}

func TestAliasCreatesPersonOwningBothIDs(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	err := r.Alias(context.Background(), 1, "a", "b", time.Now(), true)
	require.NoError(t, err)

	pa, err := repo.FetchPerson(context.Background(), 1, "a")
	require.NoError(t, err)
	pb, err := repo.FetchPerson(context.Background(), 1, "b")
	require.NoError(t, err)
	require.NotNil(t, pa)
	require.NotNil(t, pb)
	assert.Equal(t, pa.ID, pb.ID)
}

func TestAliasSamePersonIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	_, err := repo.CreatePerson(context.Background(), 1, nil, false, time.Now(), "x", "y")
	require.NoError(t, err)

	err = r.Alias(context.Background(), 1, "x", "y", time.Now(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.creates)
	assert.Len(t, repo.persons, 1)
}

func TestAliasMergeTargetWinsAndOlderCreatedAtSurvives(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	prev, err := repo.CreatePerson(context.Background(), 1,
		map[string]interface{}{"plan": "free", "source": "ads"}, true, older, "old-id")
	require.NoError(t, err)
	repo.cohorts[prev.ID] = map[int64]bool{7: true}

	curr, err := repo.CreatePerson(context.Background(), 1,
		map[string]interface{}{"plan": "pro"}, true, newer, "new-id")
	require.NoError(t, err)

	err = r.Alias(context.Background(), 1, "old-id", "new-id", time.Now(), true)
	require.NoError(t, err)

	merged, err := repo.FetchPerson(context.Background(), 1, "old-id")
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, curr.ID, merged.ID)
	assert.Equal(t, "pro", merged.Properties["plan"])
	assert.Equal(t, "ads", merged.Properties["source"])
	assert.Equal(t, older, merged.CreatedAt)

	_, stillThere := repo.persons[prev.ID]
	assert.False(t, stillThere)
	assert.True(t, repo.cohorts[curr.ID][7])
}

func TestAliasRetriesOnceOnAttachConflict(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	_, err := repo.CreatePerson(context.Background(), 1, nil, false, time.Now(), "prev")
	require.NoError(t, err)
	repo.addConflicts = 1

	err = r.Alias(context.Background(), 1, "prev", "curr", time.Now(), true)
	require.NoError(t, err)

	p, err := repo.FetchPerson(context.Background(), 1, "curr")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestApplyPropertyUpdatePrecedence(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	p, err := repo.CreatePerson(context.Background(), 1,
		map[string]interface{}{"email": "a@b.c"}, true, time.Now(), "u1")
	require.NoError(t, err)

	err = r.ApplyPropertyUpdate(context.Background(), p,
		map[string]interface{}{"plan": "pro"},
		map[string]interface{}{"email": "ignored@x.y", "first_seen": "2024"})
	require.NoError(t, err)

	stored := repo.persons[p.ID]
	assert.Equal(t, "a@b.c", stored.Properties["email"])
	assert.Equal(t, "pro", stored.Properties["plan"])
	assert.Equal(t, "2024", stored.Properties["first_seen"])
}

func TestApplyPropertyUpdateSkipsWriteWhenUnchanged(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	r := newTestResolver(repo, sink)

	p, err := repo.CreatePerson(context.Background(), 1,
		map[string]interface{}{"plan": "pro"}, true, time.Now(), "u1")
	require.NoError(t, err)
	published := len(sink.rows)

	err = r.ApplyPropertyUpdate(context.Background(), p,
		map[string]interface{}{"plan": "pro"}, nil)
	require.NoError(t, err)
	assert.Len(t, sink.rows, published)
}

func TestHandleIdentifyMarksIdentifiedAndMergesAnon(t *testing.T) {
	repo := newFakeRepo()
	r := newTestResolver(repo, nil)

	ts := time.Now()
	_, err := r.ResolveOrCreate(context.Background(), 1, "anon-9", ts)
	require.NoError(t, err)

	p, err := r.HandleIdentify(context.Background(), 1, "anon-9", "user@x.y",
		map[string]interface{}{"name": "Sam"}, nil, ts)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, repo.persons[p.ID].IsIdentified)
	assert.Equal(t, "Sam", repo.persons[p.ID].Properties["name"])

	anon, err := repo.FetchPerson(context.Background(), 1, "anon-9")
	require.NoError(t, err)
	require.NotNil(t, anon)
	assert.Equal(t, p.ID, anon.ID)
}
