package hook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"pulse/internal/action"
	"pulse/internal/constants"
	"pulse/internal/logger"
	"pulse/internal/tenant"
	"pulse/pkg/circuitbreaker"
	"pulse/pkg/metrics"
)

// DispatchInput is one processed event plus its matched actions.
type DispatchInput struct {
	Tenant           *tenant.Tenant
	EventUUID        string
	EventName        string
	DistinctID       string
	SiteURL          string
	Timestamp        time.Time
	EventProperties  map[string]interface{}
	PersonProperties map[string]interface{}
	Matched          []*action.Action
}

// Dispatcher delivers chat webhooks and generic REST hooks for matched
// actions. Deliveries for one event fan out concurrently and are joined
// wait-for-all, so one unreachable target cannot block the rest; the first
// error is surfaced for capture but never aborts event processing upstream.
type Dispatcher struct {
	repo    Repository
	client  *http.Client
	breaker *circuitbreaker.Wrapper
	logger  logger.Logger
}

func NewDispatcher(repo Repository, client *http.Client, breaker *circuitbreaker.Wrapper, log logger.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &Dispatcher{
		repo:    repo,
		client:  client,
		breaker: breaker,
		logger:  log,
	}
}

// FindAndFireHooks dispatches every outbound notification the matched
// actions call for.
func (d *Dispatcher) FindAndFireHooks(ctx context.Context, in *DispatchInput) error {
	var g errgroup.Group
	for _, a := range in.Matched {
		a := a
		if in.Tenant.SlackIncomingWebhook != "" && a.PostToSlack {
			g.Go(func() error {
				return d.fireChatWebhook(ctx, in, a)
			})
		}
		if in.Tenant.HooksEnabled {
			g.Go(func() error {
				return d.fireRESTHooks(ctx, in, a)
			})
		}
	}
	return g.Wait()
}

func (d *Dispatcher) fireChatWebhook(ctx context.Context, in *DispatchInput, a *action.Action) error {
	target := in.Tenant.SlackIncomingWebhook
	dialect := DialectMarkdown
	if strings.Contains(target, "slack.com") {
		dialect = DialectSlack
	}

	plain, rich := FormatMessage(in.Tenant.SlackMessageFormat, dialect, &MessageContext{
		ActionID:         a.ID,
		ActionName:       a.Name,
		EventName:        in.EventName,
		DistinctID:       in.DistinctID,
		SiteURL:          in.SiteURL,
		EventProperties:  in.EventProperties,
		PersonProperties: in.PersonProperties,
	})

	var payload interface{}
	if dialect == DialectSlack {
		payload = map[string]interface{}{
			"text": plain,
			"blocks": []interface{}{
				map[string]interface{}{
					"type": "section",
					"text": map[string]interface{}{"type": "mrkdwn", "text": rich},
				},
			},
		}
	} else {
		payload = map[string]interface{}{"text": rich}
	}

	_, err := d.post(ctx, target, payload)
	if err != nil {
		metrics.WebhooksFiredTotal.WithLabelValues("chat", "error").Inc()
		metrics.CapturedErrorsTotal.WithLabelValues("webhook").Inc()
		d.logger.ErrorwCtx(ctx, "Chat webhook delivery failed",
			"error", err,
			"action_id", a.ID,
		)
		return err
	}
	metrics.WebhooksFiredTotal.WithLabelValues("chat", "ok").Inc()
	return nil
}

func (d *Dispatcher) fireRESTHooks(ctx context.Context, in *DispatchInput, a *action.Action) error {
	hooks, err := d.repo.FetchHooks(ctx, in.Tenant.ID, EventHookPerformed, a.ID)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, h := range hooks {
		h := h
		g.Go(func() error {
			return d.fireRESTHook(ctx, in, &h)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) fireRESTHook(ctx context.Context, in *DispatchInput, h *Hook) error {
	payload := map[string]interface{}{
		"hook": h,
		"data": map[string]interface{}{
			"event":       in.EventName,
			"event_uuid":  in.EventUUID,
			"distinct_id": in.DistinctID,
			"timestamp":   in.Timestamp,
			"properties":  in.EventProperties,
			"person":      in.PersonProperties,
		},
	}

	status, err := d.post(ctx, h.Target, payload)
	if err != nil {
		metrics.WebhooksFiredTotal.WithLabelValues("rest", "error").Inc()
		metrics.CapturedErrorsTotal.WithLabelValues("webhook").Inc()
		d.logger.ErrorwCtx(ctx, "REST hook delivery failed",
			"error", err,
			"hook_id", h.ID,
		)
		return err
	}

	if status == http.StatusGone {
		// Self-healing unsubscribe: the receiver told us to stop.
		if err := d.repo.DeleteHook(ctx, h.ID); err != nil {
			d.logger.ErrorwCtx(ctx, "Failed to delete gone hook",
				"error", err,
				"hook_id", h.ID,
			)
			return err
		}
		metrics.HooksDeletedTotal.Inc()
		d.logger.InfowCtx(ctx, "Deleted hook after 410 response",
			"hook_id", h.ID,
		)
		return nil
	}

	metrics.WebhooksFiredTotal.WithLabelValues("rest", "ok").Inc()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, target string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return resp.StatusCode, fmt.Errorf("webhook target returned status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	}

	var result interface{}
	if d.breaker != nil {
		result, err = d.breaker.ExecuteWithContext(ctx, do)
	} else {
		result, err = do()
	}
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}
