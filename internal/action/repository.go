package action

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"pulse/internal/storage"
)

type Repository interface {
	// FetchActions returns all non-deleted actions with their steps.
	FetchActions(ctx context.Context) ([]*Action, error)
	// FetchAction returns one action regardless of its deleted flag, or nil
	// when the row is gone.
	FetchAction(ctx context.Context, id int64) (*Action, error)
	IsPersonInCohort(ctx context.Context, cohortID, personID int64) (bool, error)
}

type PostgresRepository struct {
	gw *storage.Gateway
}

func NewRepository(gw *storage.Gateway) Repository {
	return &PostgresRepository{gw: gw}
}

func (r *PostgresRepository) FetchActions(ctx context.Context) ([]*Action, error) {
	rows, err := r.gw.Query(ctx, "actions_fetch", `
		SELECT id, tenant_id, name, post_to_slack, deleted
		FROM actions
		WHERE deleted = false
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []*Action
	byID := make(map[int64]*Action)
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.PostToSlack, &a.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, &a)
		byID[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	ids := make([]int64, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	steps, err := r.fetchSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if a, ok := byID[step.ActionID]; ok {
			a.Steps = append(a.Steps, step)
		}
	}
	return actions, nil
}

func (r *PostgresRepository) FetchAction(ctx context.Context, id int64) (*Action, error) {
	row := r.gw.QueryRow(ctx, "action_fetch", `
		SELECT id, tenant_id, name, post_to_slack, deleted
		FROM actions
		WHERE id = $1
	`, id)

	var a Action
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.PostToSlack, &a.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch action: %w", err)
	}

	steps, err := r.fetchSteps(ctx, []int64{a.ID})
	if err != nil {
		return nil, err
	}
	a.Steps = steps
	return &a, nil
}

func (r *PostgresRepository) fetchSteps(ctx context.Context, actionIDs []int64) ([]ActionStep, error) {
	if len(actionIDs) == 0 {
		return nil, nil
	}

	rows, err := r.gw.Query(ctx, "action_steps_fetch", `
		SELECT id, action_id, event_name, tag_name, text, href, selector, url, url_matching, properties
		FROM action_steps
		WHERE action_id = ANY($1)
		ORDER BY action_id, id
	`, pq.Array(actionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query action steps: %w", err)
	}
	defer rows.Close()

	var steps []ActionStep
	for rows.Next() {
		var s ActionStep
		var eventName, tagName, text, href, selector, url, urlMatching sql.NullString
		var propsJSON []byte
		err := rows.Scan(&s.ID, &s.ActionID, &eventName, &tagName, &text, &href, &selector, &url, &urlMatching, &propsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action step: %w", err)
		}
		s.EventName = eventName.String
		s.TagName = tagName.String
		s.Text = text.String
		s.Href = href.String
		s.Selector = selector.String
		s.URL = url.String
		s.URLMatching = URLMatching(urlMatching.String)
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &s.Properties); err != nil {
				return nil, fmt.Errorf("failed to decode step %d filters: %w", s.ID, err)
			}
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return steps, nil
}

func (r *PostgresRepository) IsPersonInCohort(ctx context.Context, cohortID, personID int64) (bool, error) {
	row := r.gw.QueryRow(ctx, "cohort_membership", `
		SELECT EXISTS (
			SELECT 1 FROM cohort_people WHERE cohort_id = $1 AND person_id = $2
		)
	`, cohortID, personID)

	var member bool
	if err := row.Scan(&member); err != nil {
		return false, fmt.Errorf("failed to check cohort membership: %w", err)
	}
	return member, nil
}
