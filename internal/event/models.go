package event

import "time"

// ProcessParams is one captured event as received at the ingestion boundary.
// Data is the raw payload; everything else comes from the capture envelope.
type ProcessParams struct {
	DistinctID string
	IP         string
	SiteURL    string
	TenantID   int64
	Now        time.Time
	SentAt     *time.Time
	EventUUID  string
	Data       map[string]interface{}
}

// PersistedEvent is the canonical record written to the row store and/or
// published to the columnar events topic.
type PersistedEvent struct {
	UUID       string                 `json:"uuid"`
	TenantID   int64                  `json:"tenant_id"`
	DistinctID string                 `json:"distinct_id"`
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  time.Time              `json:"timestamp"`
	CreatedAt  time.Time              `json:"created_at"`
}

// SessionRecordingEvent is the storage shape of a $snapshot event. It skips
// the plugin chain and action matching entirely.
type SessionRecordingEvent struct {
	UUID         string      `json:"uuid"`
	TenantID     int64       `json:"tenant_id"`
	DistinctID   string      `json:"distinct_id"`
	SessionID    string      `json:"session_id"`
	SnapshotData interface{} `json:"snapshot_data"`
	Timestamp    time.Time   `json:"timestamp"`
	CreatedAt    time.Time   `json:"created_at"`
}
