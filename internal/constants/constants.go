package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixPersonSeen  = "person_seen:"
	CacheKeyPrefixPluginCache = "plugincache:"
)

const (
	DefaultRawEventsTopic         = "raw_events"
	DefaultEventsTopic            = "events_ingestion"
	DefaultPersonsTopic           = "persons_ingestion"
	DefaultDistinctIDsTopic       = "person_distinct_ids_ingestion"
	DefaultSessionRecordingsTopic = "session_recordings_ingestion"
	DefaultWebhookTasksTopic      = "webhook_tasks"
)

const (
	// SlowOperationThreshold is advisory: crossing it logs a warning but
	// never cancels the underlying operation.
	SlowOperationThreshold = 30 * time.Second

	PersonSeenTTL = 1 * time.Hour
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultMaxQueueSize  = 1000
)

const (
	ManifestFileName       = "plugin.json"
	DefaultPluginEntryFile = "index.cel"
)

const (
	HookProcessEvent = "processEvent"
	HookOnEvent      = "onEvent"
)

const (
	DefaultSlackMessageFormat = "[action.name] was triggered by [user.name]"
)
