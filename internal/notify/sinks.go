package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/model"
)

// --- LogNotifier ---

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at Info.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, event model.StageEvent) error {
	roles := make([]string, 0, len(event.NotifyRoles))
	for _, r := range event.NotifyRoles {
		roles = append(roles, string(r))
	}
	n.logger.Info("stage event",
		zap.String("submission_id", event.SubmissionID),
		zap.String("type", string(event.Type)),
		zap.String("action", string(event.Action)),
		zap.String("stage", string(event.Stage)),
		zap.String("previous_stage", string(event.PreviousStage)),
		zap.String("department_id", event.DepartmentID),
		zap.Strings("notify_roles", roles),
	)
	return nil
}

// --- RedisNotifier ---

// RedisNotifier publishes events on a pub/sub channel and keeps a capped
// inbox list per department and role, so dashboards can show recent work
// without subscribing.
type RedisNotifier struct {
	client   redis.Cmdable
	channel  string
	inboxCap int64
}

// NewRedisNotifier creates a Redis notifier. inboxCap bounds each inbox
// list; zero keeps 100 events.
func NewRedisNotifier(client redis.Cmdable, channel string, inboxCap int) *RedisNotifier {
	if inboxCap <= 0 {
		inboxCap = 100
	}
	return &RedisNotifier{client: client, channel: channel, inboxCap: int64(inboxCap)}
}

// InboxKey returns the list an event for role in department is pushed to.
// Events addressed to the student go to the student's own inbox.
func InboxKey(event model.StageEvent, role model.Role) string {
	if role == model.RoleStudent {
		return fmt.Sprintf("inbox:student:%s", event.StudentID)
	}
	return fmt.Sprintf("inbox:%s:%s", event.DepartmentID, role)
}

// Notify publishes the event and appends it to each addressed inbox.
func (n *RedisNotifier) Notify(ctx context.Context, event model.StageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}

	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, n.channel, data)
		for _, role := range event.NotifyRoles {
			key := InboxKey(event, role)
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, n.inboxCap-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis notify %s: %w", event.SubmissionID, err)
	}
	return nil
}

// --- WebhookNotifier ---

// WebhookNotifier POSTs events as JSON to an HTTP endpoint, behind a
// circuit breaker.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *CircuitBreaker
}

// NewWebhookNotifier creates a webhook notifier. A nil breaker gets the
// default thresholds.
func NewWebhookNotifier(url string, timeout time.Duration, breaker *CircuitBreaker) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, 0)
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Breaker exposes the notifier's circuit breaker.
func (n *WebhookNotifier) Breaker() *CircuitBreaker {
	return n.breaker
}

// Notify POSTs the event. Any non-2xx response is a failure.
func (n *WebhookNotifier) Notify(ctx context.Context, event model.StageEvent) error {
	if err := n.breaker.Allow(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Odflow-Event", string(event.Action))
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := n.client.Do(req)
	if err != nil {
		n.breaker.RecordFailure()
		return fmt.Errorf("webhook %s: %w", event.SubmissionID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.breaker.RecordFailure()
		return fmt.Errorf("webhook %s: status %d", event.SubmissionID, resp.StatusCode)
	}
	n.breaker.RecordSuccess()
	return nil
}
