package identity

import "time"

// Person is the canonical identity behind one or more distinct ids. The
// invariant is exactly one Person per (tenant, distinct id) mapping at any
// instant, enforced by the unique constraint on person_distinct_ids.
type Person struct {
	ID           int64
	UUID         string
	TenantID     int64
	Properties   map[string]interface{}
	IsIdentified bool
	CreatedAt    time.Time
}

// PersonDistinctID maps one client-supplied distinct id to its Person.
// Rows are re-pointed, never duplicated, when persons merge.
type PersonDistinctID struct {
	ID         int64
	TenantID   int64
	PersonID   int64
	DistinctID string
}
