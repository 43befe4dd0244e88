package identity

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"pulse/internal/constants"
	"pulse/internal/logger"
	pkgerrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
	"pulse/pkg/retry"
)

// Publisher receives columnar person and distinct-id rows. Satisfied by the
// storage gateway; nil disables columnar publishing.
type Publisher interface {
	Enqueue(ctx context.Context, topic, key string, value interface{}) error
}

// SeenCache suppresses redundant existence checks for (tenant, distinct id)
// pairs that were recently confirmed to have a person row.
type SeenCache interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// PersonRow is the columnar-store projection of a person. Deletions are
// modeled as a row with IsDeleted set rather than a removal.
type PersonRow struct {
	UUID         string                 `json:"uuid"`
	TenantID     int64                  `json:"tenant_id"`
	Properties   map[string]interface{} `json:"properties"`
	IsIdentified bool                   `json:"is_identified"`
	CreatedAt    time.Time              `json:"created_at"`
	IsDeleted    bool                   `json:"is_deleted"`
}

type DistinctIDRow struct {
	TenantID   int64  `json:"tenant_id"`
	DistinctID string `json:"distinct_id"`
	PersonUUID string `json:"person_uuid"`
}

type ResolverOptions struct {
	PersonsTopic     string
	DistinctIDsTopic string
}

// Resolver owns person lifecycle: creation on first sight, property updates,
// and the alias/merge flow. All uniqueness races are resolved optimistically
// with at most one retry per operation; no cross-process locks exist.
type Resolver struct {
	repo   Repository
	cache  SeenCache
	sink   Publisher
	logger logger.Logger

	personsTopic     string
	distinctIDsTopic string
}

func NewResolver(repo Repository, cache SeenCache, sink Publisher, log logger.Logger, opts ResolverOptions) *Resolver {
	if opts.PersonsTopic == "" {
		opts.PersonsTopic = constants.DefaultPersonsTopic
	}
	if opts.DistinctIDsTopic == "" {
		opts.DistinctIDsTopic = constants.DefaultDistinctIDsTopic
	}

	return &Resolver{
		repo:             repo,
		cache:            cache,
		sink:             sink,
		logger:           log,
		personsTopic:     opts.PersonsTopic,
		distinctIDsTopic: opts.DistinctIDsTopic,
	}
}

func seenKey(tenantID int64, distinctID string) string {
	return fmt.Sprintf("%s%d:%s", constants.CacheKeyPrefixPersonSeen, tenantID, distinctID)
}

// EnsurePersonSeen guarantees a person row exists for the mapping without
// loading it. The seen cache short-circuits the common case where the same
// distinct id arrives many times within the TTL.
func (r *Resolver) EnsurePersonSeen(ctx context.Context, tenantID int64, distinctID string, ts time.Time) error {
	if r.cache != nil {
		firstSeen, err := r.cache.SetNX(ctx, seenKey(tenantID, distinctID), 1, constants.PersonSeenTTL)
		if err != nil {
			r.logger.WarnwCtx(ctx, "Person-seen cache unavailable, falling back to store",
				"error", err,
			)
		} else if !firstSeen {
			return nil
		}
	}

	_, err := r.ResolveOrCreate(ctx, tenantID, distinctID, ts)
	return err
}

// ResolveOrCreate returns the person behind (tenant, distinct id), creating
// an anonymous one when no mapping exists. A concurrent creator winning the
// uniqueness race is absorbed by refetching once.
func (r *Resolver) ResolveOrCreate(ctx context.Context, tenantID int64, distinctID string, ts time.Time) (*Person, error) {
	person, err := r.repo.FetchPerson(ctx, tenantID, distinctID)
	if err != nil {
		return nil, err
	}
	if person != nil {
		return person, nil
	}

	err = retry.Optimistic(ctx, func(ctx context.Context, retrying bool) error {
		if retrying {
			metrics.IdentityRacesTotal.Inc()
			existing, err := r.repo.FetchPerson(ctx, tenantID, distinctID)
			if err != nil {
				return err
			}
			if existing != nil {
				person = existing
				return nil
			}
		}

		created, err := r.repo.CreatePerson(ctx, tenantID, nil, false, ts, distinctID)
		if err != nil {
			return err
		}
		person = created
		r.publishPerson(ctx, created, false)
		r.publishDistinctID(ctx, created, distinctID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return person, nil
}

// HandleIdentify links an anonymous distinct id to the identified one,
// marks the resulting person identified, and applies the property update.
func (r *Resolver) HandleIdentify(ctx context.Context, tenantID int64, anonDistinctID, distinctID string, set, setOnce map[string]interface{}, ts time.Time) (*Person, error) {
	if anonDistinctID != "" && anonDistinctID != distinctID {
		if err := r.Alias(ctx, tenantID, anonDistinctID, distinctID, ts, true); err != nil {
			return nil, err
		}
	}

	person, err := r.ResolveOrCreate(ctx, tenantID, distinctID, ts)
	if err != nil {
		return nil, err
	}

	if !person.IsIdentified {
		if err := r.repo.SetIdentified(ctx, person); err != nil {
			return nil, err
		}
	}

	if err := r.ApplyPropertyUpdate(ctx, person, set, setOnce); err != nil {
		return nil, err
	}
	return person, nil
}

// Alias makes previous and current resolve to the same person. Depending on
// what exists it attaches the missing id, creates a person owning both, or
// merges two existing persons into the one behind current. A uniqueness
// race during attach or create re-runs the whole decision once so the
// second pass sees the winner's rows.
func (r *Resolver) Alias(ctx context.Context, tenantID int64, previous, current string, ts time.Time, retryIfFailed bool) error {
	err := r.alias(ctx, tenantID, previous, current, ts)
	if err != nil && retryIfFailed && pkgerrors.IsConflict(err) {
		metrics.IdentityRacesTotal.Inc()
		return r.Alias(ctx, tenantID, previous, current, ts, false)
	}
	return err
}

func (r *Resolver) alias(ctx context.Context, tenantID int64, previous, current string, ts time.Time) error {
	prevPerson, err := r.repo.FetchPerson(ctx, tenantID, previous)
	if err != nil {
		return err
	}
	currPerson, err := r.repo.FetchPerson(ctx, tenantID, current)
	if err != nil {
		return err
	}

	switch {
	case prevPerson == nil && currPerson == nil:
		created, err := r.repo.CreatePerson(ctx, tenantID, nil, false, ts, previous, current)
		if err != nil {
			return err
		}
		r.publishPerson(ctx, created, false)
		r.publishDistinctID(ctx, created, previous)
		r.publishDistinctID(ctx, created, current)
		return nil

	case prevPerson != nil && currPerson == nil:
		if err := r.repo.AddDistinctID(ctx, prevPerson, current); err != nil {
			return err
		}
		r.publishDistinctID(ctx, prevPerson, current)
		return nil

	case prevPerson == nil && currPerson != nil:
		if err := r.repo.AddDistinctID(ctx, currPerson, previous); err != nil {
			return err
		}
		r.publishDistinctID(ctx, currPerson, previous)
		return nil

	case prevPerson.ID == currPerson.ID:
		return nil

	default:
		return r.merge(ctx, currPerson, prevPerson)
	}
}

// merge folds other into target. Target's properties win on key overlap, the
// older created_at survives, and all of other's distinct ids and cohort
// memberships are re-pointed before the losing row is deleted.
func (r *Resolver) merge(ctx context.Context, target, other *Person) error {
	merged := make(map[string]interface{}, len(target.Properties)+len(other.Properties))
	for k, v := range other.Properties {
		merged[k] = v
	}
	for k, v := range target.Properties {
		merged[k] = v
	}
	target.Properties = merged

	if err := r.repo.UpdateProperties(ctx, target); err != nil {
		metrics.IdentityMergesTotal.WithLabelValues("error").Inc()
		return err
	}

	if other.CreatedAt.Before(target.CreatedAt) {
		if err := r.repo.UpdateCreatedAt(ctx, target, other.CreatedAt); err != nil {
			metrics.IdentityMergesTotal.WithLabelValues("error").Inc()
			return err
		}
	}

	if !target.IsIdentified {
		if err := r.repo.SetIdentified(ctx, target); err != nil {
			metrics.IdentityMergesTotal.WithLabelValues("error").Inc()
			return err
		}
	}

	if err := r.repo.MovePersonData(ctx, other, target); err != nil {
		metrics.IdentityMergesTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := r.repo.DeletePerson(ctx, other); err != nil {
		metrics.IdentityMergesTotal.WithLabelValues("error").Inc()
		return err
	}

	r.publishPerson(ctx, target, false)
	r.publishPerson(ctx, other, true)
	if ids, err := r.repo.DistinctIDs(ctx, target); err != nil {
		r.logger.WarnwCtx(ctx, "Failed to republish distinct ids after merge",
			"error", err,
			"person_uuid", target.UUID,
		)
	} else {
		for _, id := range ids {
			r.publishDistinctID(ctx, target, id)
		}
	}

	metrics.IdentityMergesTotal.WithLabelValues("merged").Inc()
	r.logger.InfowCtx(ctx, "Merged persons",
		"target_uuid", target.UUID,
		"deleted_uuid", other.UUID,
	)
	return nil
}

// ApplyPropertyUpdate applies $set and $set_once semantics: $set always
// overwrites, $set_once only fills keys the person does not have yet. An
// update that changes nothing is skipped without a write.
func (r *Resolver) ApplyPropertyUpdate(ctx context.Context, person *Person, set, setOnce map[string]interface{}) error {
	if len(set) == 0 && len(setOnce) == 0 {
		return nil
	}

	updated := make(map[string]interface{}, len(setOnce)+len(person.Properties)+len(set))
	for k, v := range setOnce {
		updated[k] = v
	}
	for k, v := range person.Properties {
		updated[k] = v
	}
	for k, v := range set {
		updated[k] = v
	}

	if reflect.DeepEqual(updated, person.Properties) {
		return nil
	}

	person.Properties = updated
	if err := r.repo.UpdateProperties(ctx, person); err != nil {
		return err
	}
	r.publishPerson(ctx, person, false)
	return nil
}

func (r *Resolver) publishPerson(ctx context.Context, p *Person, deleted bool) {
	if r.sink == nil {
		return
	}
	row := PersonRow{
		UUID:         p.UUID,
		TenantID:     p.TenantID,
		Properties:   p.Properties,
		IsIdentified: p.IsIdentified,
		CreatedAt:    p.CreatedAt,
		IsDeleted:    deleted,
	}
	if err := r.sink.Enqueue(ctx, r.personsTopic, p.UUID, row); err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to enqueue person row",
			"error", err,
			"person_uuid", p.UUID,
		)
	}
}

func (r *Resolver) publishDistinctID(ctx context.Context, p *Person, distinctID string) {
	if r.sink == nil {
		return
	}
	row := DistinctIDRow{
		TenantID:   p.TenantID,
		DistinctID: distinctID,
		PersonUUID: p.UUID,
	}
	if err := r.sink.Enqueue(ctx, r.distinctIDsTopic, distinctID, row); err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to enqueue distinct id row",
			"error", err,
			"distinct_id", distinctID,
		)
	}
}
