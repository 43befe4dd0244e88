package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "pulse/pkg/errors"
	"pulse/internal/storage"
)

type Repository interface {
	// FetchPerson resolves (tenant, distinct id) to its Person, or nil when
	// no mapping exists.
	FetchPerson(ctx context.Context, tenantID int64, distinctID string) (*Person, error)
	CreatePerson(ctx context.Context, tenantID int64, properties map[string]interface{}, isIdentified bool, createdAt time.Time, distinctIDs ...string) (*Person, error)
	AddDistinctID(ctx context.Context, person *Person, distinctID string) error
	UpdateProperties(ctx context.Context, person *Person) error
	SetIdentified(ctx context.Context, person *Person) error
	UpdateCreatedAt(ctx context.Context, person *Person, createdAt time.Time) error
	// MovePersonData re-points all distinct-id rows and cohort memberships
	// of from onto to.
	MovePersonData(ctx context.Context, from, to *Person) error
	DeletePerson(ctx context.Context, person *Person) error
	DistinctIDs(ctx context.Context, person *Person) ([]string, error)
}

type PostgresRepository struct {
	gw *storage.Gateway
}

func NewRepository(gw *storage.Gateway) Repository {
	return &PostgresRepository{gw: gw}
}

func (r *PostgresRepository) FetchPerson(ctx context.Context, tenantID int64, distinctID string) (*Person, error) {
	query := `
		SELECT p.id, p.uuid, p.tenant_id, p.properties, p.is_identified, p.created_at
		FROM persons p
		JOIN person_distinct_ids pdi ON pdi.person_id = p.id
		WHERE pdi.tenant_id = $1 AND pdi.distinct_id = $2
	`

	row := r.gw.QueryRow(ctx, "person_fetch", query, tenantID, distinctID)

	var p Person
	var propsJSON []byte
	err := row.Scan(&p.ID, &p.UUID, &p.TenantID, &propsJSON, &p.IsIdentified, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch person: %w", err)
	}

	if err := json.Unmarshal(propsJSON, &p.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode person properties: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) CreatePerson(ctx context.Context, tenantID int64, properties map[string]interface{}, isIdentified bool, createdAt time.Time, distinctIDs ...string) (*Person, error) {
	if properties == nil {
		properties = map[string]interface{}{}
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode person properties: %w", err)
	}

	tx, err := r.gw.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p := Person{
		UUID:         uuid.New().String(),
		TenantID:     tenantID,
		Properties:   properties,
		IsIdentified: isIdentified,
		CreatedAt:    createdAt,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO persons (uuid, tenant_id, properties, is_identified, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.UUID, tenantID, propsJSON, isIdentified, createdAt).Scan(&p.ID)
	if err != nil {
		return nil, wrapConflict(err, "failed to insert person")
	}

	for _, distinctID := range distinctIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO person_distinct_ids (tenant_id, person_id, distinct_id)
			VALUES ($1, $2, $3)
		`, tenantID, p.ID, distinctID)
		if err != nil {
			return nil, wrapConflict(err, "failed to insert distinct id")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapConflict(err, "failed to commit person creation")
	}
	return &p, nil
}

func (r *PostgresRepository) AddDistinctID(ctx context.Context, person *Person, distinctID string) error {
	_, err := r.gw.Exec(ctx, "distinct_id_add", `
		INSERT INTO person_distinct_ids (tenant_id, person_id, distinct_id)
		VALUES ($1, $2, $3)
	`, person.TenantID, person.ID, distinctID)
	if err != nil {
		return wrapConflict(err, "failed to add distinct id")
	}
	return nil
}

func (r *PostgresRepository) UpdateProperties(ctx context.Context, person *Person) error {
	propsJSON, err := json.Marshal(person.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode person properties: %w", err)
	}

	_, err = r.gw.Exec(ctx, "person_update_properties", `
		UPDATE persons SET properties = $1 WHERE id = $2
	`, propsJSON, person.ID)
	if err != nil {
		return fmt.Errorf("failed to update person properties: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetIdentified(ctx context.Context, person *Person) error {
	_, err := r.gw.Exec(ctx, "person_set_identified", `
		UPDATE persons SET is_identified = true WHERE id = $1
	`, person.ID)
	if err != nil {
		return fmt.Errorf("failed to mark person identified: %w", err)
	}
	person.IsIdentified = true
	return nil
}

func (r *PostgresRepository) UpdateCreatedAt(ctx context.Context, person *Person, createdAt time.Time) error {
	_, err := r.gw.Exec(ctx, "person_update_created_at", `
		UPDATE persons SET created_at = $1 WHERE id = $2
	`, createdAt, person.ID)
	if err != nil {
		return fmt.Errorf("failed to update person created_at: %w", err)
	}
	person.CreatedAt = createdAt
	return nil
}

func (r *PostgresRepository) MovePersonData(ctx context.Context, from, to *Person) error {
	tx, err := r.gw.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE person_distinct_ids SET person_id = $1 WHERE person_id = $2
	`, to.ID, from.ID); err != nil {
		return fmt.Errorf("failed to re-point distinct ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cohort_people SET person_id = $1 WHERE person_id = $2
		AND NOT EXISTS (
			SELECT 1 FROM cohort_people cp WHERE cp.person_id = $1 AND cp.cohort_id = cohort_people.cohort_id
		)
	`, to.ID, from.ID); err != nil {
		return fmt.Errorf("failed to re-point cohort memberships: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_people WHERE person_id = $1
	`, from.ID); err != nil {
		return fmt.Errorf("failed to drop stale cohort memberships: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit person data move: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeletePerson(ctx context.Context, person *Person) error {
	_, err := r.gw.Exec(ctx, "person_delete", `
		DELETE FROM persons WHERE id = $1
	`, person.ID)
	if err != nil {
		return fmt.Errorf("failed to delete person: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DistinctIDs(ctx context.Context, person *Person) ([]string, error) {
	rows, err := r.gw.Query(ctx, "distinct_ids_list", `
		SELECT distinct_id FROM person_distinct_ids WHERE person_id = $1 ORDER BY id
	`, person.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan distinct id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

// wrapConflict maps Postgres unique violations (23505) onto the Conflict
// error code so the optimistic-retry path can recognize lost races.
func wrapConflict(err error, msg string) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
