package event

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"pulse/internal/action"
	"pulse/internal/broker"
	"pulse/internal/hook"
	"pulse/internal/identity"
	"pulse/internal/logger"
	"pulse/internal/tenant"
	pkgerrors "pulse/pkg/errors"
	"pulse/pkg/models"
)

// NewRawEventHandler decodes raw-event messages and feeds them to the
// processor. Validation failures are logged and acknowledged so a poisoned
// payload cannot wedge the partition; everything else propagates to the
// consumer's retry/DLQ machinery.
func NewRawEventHandler(p *Processor, log logger.Logger) broker.HandlerFunc {
	return func(ctx context.Context, value []byte) error {
		var msg models.RawEventMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			log.ErrorwCtx(ctx, "Discarding undecodable raw event", "error", err)
			return nil
		}

		_, err := p.Process(ctx, &ProcessParams{
			DistinctID: msg.DistinctID,
			IP:         msg.IP,
			SiteURL:    msg.SiteURL,
			TenantID:   msg.TenantID,
			Now:        msg.Now,
			SentAt:     msg.SentAt,
			EventUUID:  msg.UUID,
			Data:       msg.Data,
		})
		if pkgerrors.IsValidation(err) {
			log.WarnwCtx(ctx, "Discarding invalid event",
				"error", err,
				"event_uuid", msg.UUID,
			)
			return nil
		}
		return err
	}
}

// PersonFetcher is the read-only slice of the identity store the webhook
// task handler needs.
type PersonFetcher interface {
	FetchPerson(ctx context.Context, tenantID int64, distinctID string) (*identity.Person, error)
}

// NewWebhookTaskHandler resolves a queued webhook task back into cached
// actions and the event's person, then dispatches. Actions deleted since the
// task was enqueued are skipped silently.
func NewWebhookTaskHandler(
	cache *action.Cache,
	tenants tenant.Repository,
	persons PersonFetcher,
	dispatcher HookDispatcher,
	log logger.Logger,
) broker.HandlerFunc {
	return func(ctx context.Context, value []byte) error {
		var task models.WebhookTask
		if err := json.Unmarshal(value, &task); err != nil {
			log.ErrorwCtx(ctx, "Discarding undecodable webhook task", "error", err)
			return nil
		}

		tn, err := tenants.Get(ctx, task.TenantID)
		if err != nil {
			return fmt.Errorf("failed to load tenant %d for webhook task: %w", task.TenantID, err)
		}
		if tn == nil || (tn.SlackIncomingWebhook == "" && !tn.HooksEnabled) {
			return nil
		}

		matched := make([]*action.Action, 0, len(task.ActionIDs))
		for _, id := range task.ActionIDs {
			if a := cache.Get(id); a != nil {
				matched = append(matched, a)
			}
		}
		if len(matched) == 0 {
			return nil
		}

		in := &hook.DispatchInput{
			Tenant:          tn,
			EventUUID:       task.EventUUID,
			EventName:       task.EventName,
			DistinctID:      task.DistinctID,
			SiteURL:         task.SiteURL,
			Timestamp:       task.Timestamp,
			EventProperties: task.Properties,
			Matched:         matched,
		}
		person, err := persons.FetchPerson(ctx, task.TenantID, task.DistinctID)
		if err != nil {
			log.WarnwCtx(ctx, "Dispatching webhooks without person properties",
				"error", err,
				"distinct_id", task.DistinctID,
			)
		} else if person != nil {
			in.PersonProperties = person.Properties
		}

		return dispatcher.FindAndFireHooks(ctx, in)
	}
}
