package plugin

import "time"

// Plugin is an installed plugin definition. Exactly one source field is
// populated: URL with a "file:" prefix points at a local directory, Archive
// holds a gzip tarball, Source holds inline text.
type Plugin struct {
	ID        int64
	Name      string
	URL       string
	Source    string
	Archive   []byte
	CreatedAt time.Time
}

// Config enables a plugin for one tenant, or for every tenant when TenantID
// is nil. Pipelines order configs by (Order, ID).
type Config struct {
	ID       int64
	TenantID *int64
	PluginID int64
	Enabled  bool
	Order    int
	Config   map[string]interface{}
	Error    *ConfigError
}

// ConfigError is the tenant-visible record of the last load or hook failure.
// Cleared on the next successful run.
type ConfigError struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Attachment is a binary config blob joined to a plugin config by id.
type Attachment struct {
	ID          int64
	ConfigID    int64
	Key         string
	ContentType string
	Contents    []byte
}
