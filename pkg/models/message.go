package models

import "time"

// RawEventMessage is the wire shape of a captured event as it arrives from
// the capture boundary, either over HTTP or from the raw-events topic. Data
// carries the client payload untouched; everything else is stamped by the
// capture layer.
type RawEventMessage struct {
	UUID       string                 `json:"uuid"`
	DistinctID string                 `json:"distinct_id"`
	IP         string                 `json:"ip,omitempty"`
	SiteURL    string                 `json:"site_url,omitempty"`
	TenantID   int64                  `json:"tenant_id"`
	Now        time.Time              `json:"now"`
	SentAt     *time.Time             `json:"sent_at,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// WebhookTask is enqueued after action matching so webhook delivery can be
// retried independently of event persistence.
type WebhookTask struct {
	TenantID   int64                  `json:"tenant_id"`
	EventUUID  string                 `json:"event_uuid"`
	EventName  string                 `json:"event_name"`
	DistinctID string                 `json:"distinct_id"`
	SiteURL    string                 `json:"site_url,omitempty"`
	Properties map[string]interface{} `json:"properties"`
	ActionIDs  []int64                `json:"action_ids"`
	Timestamp  time.Time              `json:"timestamp"`
}
