package models

import "time"

// ReloadEvent is published on the reload topic whenever tenant configuration
// changes. A plugin event triggers a full registry resync; an action event
// carrying an EntityID triggers a targeted cache refresh for that action only.
type ReloadEvent struct {
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id,omitempty"`
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	ChangedBy  string    `json:"changed_by,omitempty"`
}

const (
	EntityTypePlugin = "plugin"
	EntityTypeAction = "action"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionReload = "reload"
)
