package event

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"pulse/internal/action"
	"pulse/internal/config"
	"pulse/internal/constants"
	"pulse/internal/hook"
	"pulse/internal/identity"
	"pulse/internal/logger"
	"pulse/internal/storage"
	"pulse/internal/tenant"
	pkgerrors "pulse/pkg/errors"
	"pulse/pkg/logging"
	"pulse/pkg/metrics"
	"pulse/pkg/models"
)

// Sink receives rows bound for the columnar ingestion topics.
type Sink interface {
	Enqueue(ctx context.Context, topic, key string, value interface{}) error
}

// IdentityResolver is the slice of identity.Resolver the processor drives.
type IdentityResolver interface {
	EnsurePersonSeen(ctx context.Context, tenantID int64, distinctID string, ts time.Time) error
	ResolveOrCreate(ctx context.Context, tenantID int64, distinctID string, ts time.Time) (*identity.Person, error)
	HandleIdentify(ctx context.Context, tenantID int64, anonDistinctID, distinctID string, set, setOnce map[string]interface{}, ts time.Time) (*identity.Person, error)
	Alias(ctx context.Context, tenantID int64, previous, current string, ts time.Time, retryIfFailed bool) error
	ApplyPropertyUpdate(ctx context.Context, person *identity.Person, set, setOnce map[string]interface{}) error
}

// Pipeline runs the tenant's plugin chain over an event.
type Pipeline interface {
	RunPipeline(ctx context.Context, tenantID int64, event, properties, meta map[string]interface{}) (map[string]interface{}, bool)
	OnEvent(ctx context.Context, tenantID int64, event, properties, meta map[string]interface{})
}

// ActionMatcher evaluates the tenant's actions against an event.
type ActionMatcher interface {
	Match(ctx context.Context, in *action.MatchInput) ([]*action.Action, error)
}

// HookDispatcher fires hooks for matched actions.
type HookDispatcher interface {
	FindAndFireHooks(ctx context.Context, in *hook.DispatchInput) error
}

// Topics names the columnar destinations the processor publishes to.
type Topics struct {
	Events            string
	SessionRecordings string
	WebhookTasks      string
}

func (t *Topics) applyDefaults() {
	if t.Events == "" {
		t.Events = constants.DefaultEventsTopic
	}
	if t.SessionRecordings == "" {
		t.SessionRecordings = constants.DefaultSessionRecordingsTopic
	}
	if t.WebhookTasks == "" {
		t.WebhookTasks = constants.DefaultWebhookTasksTopic
	}
}

// Processor orchestrates one event end to end: validation, identity,
// plugins, matching, dispatch, persistence. One instance is shared by all
// workers; all state lives in the collaborators.
type Processor struct {
	mode       string
	topics     Topics
	resolver   IdentityResolver
	registry   Pipeline
	matcher    ActionMatcher
	dispatcher HookDispatcher
	tenants    tenant.Repository
	gw         *storage.Gateway
	sink       Sink
	logger     logger.Logger
}

func NewProcessor(
	cfg config.ProcessorConfig,
	topics Topics,
	resolver IdentityResolver,
	registry Pipeline,
	matcher ActionMatcher,
	dispatcher HookDispatcher,
	tenants tenant.Repository,
	gw *storage.Gateway,
	sink Sink,
	log logger.Logger,
) *Processor {
	topics.applyDefaults()
	return &Processor{
		mode:       cfg.Mode,
		topics:     topics,
		resolver:   resolver,
		registry:   registry,
		matcher:    matcher,
		dispatcher: dispatcher,
		tenants:    tenants,
		gw:         gw,
		sink:       sink,
		logger:     log,
	}
}

func (p *Processor) writesRows() bool {
	return p.mode == "row" || p.mode == "dual"
}

func (p *Processor) publishesColumnar() bool {
	return p.mode == "columnar" || p.mode == "dual"
}

// Process runs the ordered pipeline for one captured event. A nil result
// with a nil error means a plugin dropped the event. Validation failures are
// permanent; everything else propagates for upstream redelivery.
func (p *Processor) Process(ctx context.Context, params *ProcessParams) (*PersistedEvent, error) {
	start := time.Now()
	result, err := p.process(ctx, params)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case result == nil:
		status = "dropped"
	}
	metrics.ObserveEventProcessing(time.Since(start), status)

	if err != nil {
		p.logger.ErrorwCtx(ctx, "Event processing failed",
			"error", err,
			"event_uuid", params.EventUUID,
			"distinct_id", params.DistinctID,
			"tenant_id", params.TenantID,
		)
	}
	return result, err
}

func (p *Processor) process(ctx context.Context, params *ProcessParams) (*PersistedEvent, error) {
	if _, err := uuid.Parse(params.EventUUID); err != nil {
		return nil, pkgerrors.ErrValidation.WithCause(err).
			WithDetail("message", fmt.Sprintf("malformed event uuid %q", params.EventUUID))
	}

	eventName, _ := params.Data["event"].(string)
	if eventName == "" {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "event name is missing")
	}

	ctx = logging.WithTenantID(ctx, params.TenantID)
	ctx = logging.WithDistinctID(ctx, params.DistinctID)
	ctx = logging.WithEventUUID(ctx, params.EventUUID)

	properties := map[string]interface{}{}
	if raw, ok := params.Data["properties"].(map[string]interface{}); ok {
		for k, v := range raw {
			properties[k] = v
		}
	}
	// $set/$set_once may arrive beside properties; fold them in.
	if s, ok := params.Data["$set"]; ok {
		properties["$set"] = s
	}
	if s, ok := params.Data["$set_once"]; ok {
		properties["$set_once"] = s
	}
	if params.IP != "" {
		properties["$ip"] = params.IP
	}

	ts, tsErr := ResolveTimestamp(params.Data, params.Now, params.SentAt)
	if tsErr != nil {
		metrics.CapturedErrorsTotal.WithLabelValues("timestamp").Inc()
		p.logger.WarnwCtx(ctx, "Falling back to server time",
			"error", tsErr,
		)
	}

	person, err := p.handleIdentity(ctx, eventName, properties, params, ts)
	if err != nil {
		return nil, err
	}

	if eventName == "$snapshot" {
		return p.persistSnapshot(ctx, params, properties, ts)
	}
	return p.processNormal(ctx, eventName, properties, params, person, ts)
}

// handleIdentity runs the identify/alias side effects before anything is
// persisted, then resolves (creating if needed) the event's person.
func (p *Processor) handleIdentity(ctx context.Context, eventName string, properties map[string]interface{}, params *ProcessParams, ts time.Time) (*identity.Person, error) {
	switch eventName {
	case "$create_alias":
		alias, _ := properties["alias"].(string)
		if alias == "" {
			return nil, pkgerrors.ErrValidation.WithDetail("message", "$create_alias event has no alias property")
		}
		if err := p.resolver.Alias(ctx, params.TenantID, alias, params.DistinctID, ts, true); err != nil {
			return nil, err
		}

	case "$identify":
		anon, _ := properties["$anon_distinct_id"].(string)
		set, setOnce := ExtractPropertyUpdates(properties)
		return p.resolver.HandleIdentify(ctx, params.TenantID, anon, params.DistinctID, set, setOnce, ts)

	case "$snapshot":
		// Session recordings only need the person to exist.
		if err := p.resolver.EnsurePersonSeen(ctx, params.TenantID, params.DistinctID, ts); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return p.resolver.ResolveOrCreate(ctx, params.TenantID, params.DistinctID, ts)
}

func (p *Processor) persistSnapshot(ctx context.Context, params *ProcessParams, properties map[string]interface{}, ts time.Time) (*PersistedEvent, error) {
	sessionID, _ := properties["$session_id"].(string)
	rec := SessionRecordingEvent{
		UUID:         params.EventUUID,
		TenantID:     params.TenantID,
		DistinctID:   params.DistinctID,
		SessionID:    sessionID,
		SnapshotData: properties["$snapshot_data"],
		Timestamp:    ts,
		CreatedAt:    params.Now,
	}

	if p.writesRows() {
		snapshotJSON, err := json.Marshal(rec.SnapshotData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode snapshot data: %w", err)
		}
		_, err = p.gw.Exec(ctx, "session_recording_insert", `
			INSERT INTO session_recording_events (uuid, tenant_id, distinct_id, session_id, snapshot_data, timestamp, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.UUID, rec.TenantID, rec.DistinctID, rec.SessionID, snapshotJSON, rec.Timestamp, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to persist session recording: %w", err)
		}
	}
	if p.publishesColumnar() {
		if err := p.sink.Enqueue(ctx, p.topics.SessionRecordings, sessionID, rec); err != nil {
			return nil, err
		}
	}

	return &PersistedEvent{
		UUID:       rec.UUID,
		TenantID:   rec.TenantID,
		DistinctID: rec.DistinctID,
		Event:      "$snapshot",
		Timestamp:  rec.Timestamp,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

func (p *Processor) processNormal(ctx context.Context, eventName string, properties map[string]interface{}, params *ProcessParams, person *identity.Person, ts time.Time) (*PersistedEvent, error) {
	if eventName != "$identify" && person != nil {
		set, setOnce := ExtractPropertyUpdates(properties)
		if err := p.resolver.ApplyPropertyUpdate(ctx, person, set, setOnce); err != nil {
			return nil, err
		}
	}

	eventVars := map[string]interface{}{
		"name":        eventName,
		"distinct_id": params.DistinctID,
		"site_url":    params.SiteURL,
		"ip":          params.IP,
		"uuid":        params.EventUUID,
	}
	meta := map[string]interface{}{
		"tenant_id": params.TenantID,
	}
	processed, keep := p.registry.RunPipeline(ctx, params.TenantID, eventVars, properties, meta)
	if !keep {
		p.logger.InfowCtx(ctx, "Event dropped by plugin")
		return nil, nil
	}
	properties = processed

	elements := action.ParseElements(properties["$elements"])

	input := &action.MatchInput{
		TenantID:   params.TenantID,
		EventName:  eventName,
		Properties: properties,
		Elements:   elements,
	}
	if person != nil {
		input.PersonID = &person.ID
		input.PersonProp = person.Properties
	}
	matched, err := p.matcher.Match(ctx, input)
	if err != nil {
		return nil, err
	}

	if err := p.notifyHooks(ctx, eventName, properties, params, person, matched, ts); err != nil {
		metrics.CapturedErrorsTotal.WithLabelValues("webhook").Inc()
		p.logger.ErrorwCtx(ctx, "Webhook dispatch failed",
			"error", err,
		)
	}

	persisted := &PersistedEvent{
		UUID:       params.EventUUID,
		TenantID:   params.TenantID,
		DistinctID: params.DistinctID,
		Event:      eventName,
		Properties: properties,
		Timestamp:  ts,
		CreatedAt:  params.Now,
	}
	if err := p.persist(ctx, persisted); err != nil {
		return nil, err
	}

	p.registry.OnEvent(ctx, params.TenantID, eventVars, properties, meta)
	return persisted, nil
}

// notifyHooks enqueues a webhook task on the broker-backed path and
// dispatches inline otherwise. Failures are captured by the caller, never
// fatal to the event.
func (p *Processor) notifyHooks(ctx context.Context, eventName string, properties map[string]interface{}, params *ProcessParams, person *identity.Person, matched []*action.Action, ts time.Time) error {
	if len(matched) == 0 {
		return nil
	}

	tn, err := p.tenants.Get(ctx, params.TenantID)
	if err != nil {
		return err
	}
	if tn == nil || (tn.SlackIncomingWebhook == "" && !tn.HooksEnabled) {
		return nil
	}

	if p.publishesColumnar() {
		actionIDs := make([]int64, 0, len(matched))
		for _, a := range matched {
			actionIDs = append(actionIDs, a.ID)
		}
		task := models.WebhookTask{
			TenantID:   params.TenantID,
			EventUUID:  params.EventUUID,
			EventName:  eventName,
			DistinctID: params.DistinctID,
			SiteURL:    params.SiteURL,
			Properties: properties,
			ActionIDs:  actionIDs,
			Timestamp:  ts,
		}
		return p.sink.Enqueue(ctx, p.topics.WebhookTasks, params.DistinctID, task)
	}

	in := &hook.DispatchInput{
		Tenant:          tn,
		EventUUID:       params.EventUUID,
		EventName:       eventName,
		DistinctID:      params.DistinctID,
		SiteURL:         params.SiteURL,
		Timestamp:       ts,
		EventProperties: properties,
		Matched:         matched,
	}
	if person != nil {
		in.PersonProperties = person.Properties
	}
	return p.dispatcher.FindAndFireHooks(ctx, in)
}

func (p *Processor) persist(ctx context.Context, ev *PersistedEvent) error {
	if p.writesRows() {
		propsJSON, err := json.Marshal(ev.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode event properties: %w", err)
		}
		_, err = p.gw.Exec(ctx, "event_insert", `
			INSERT INTO events (uuid, tenant_id, distinct_id, event, properties, timestamp, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ev.UUID, ev.TenantID, ev.DistinctID, ev.Event, propsJSON, ev.Timestamp, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
	}
	if p.publishesColumnar() {
		if err := p.sink.Enqueue(ctx, p.topics.Events, ev.DistinctID, ev); err != nil {
			return err
		}
	}
	return nil
}
