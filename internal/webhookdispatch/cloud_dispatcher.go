package webhookdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher uses Google Cloud Tasks for durable, at-least-once webhook
// delivery. Each Emit() enqueues one HTTP task per matching subscriber.
//
// Cloud Tasks handles:
//   - Retry with exponential backoff (configured at queue level)
//   - Dead-letter queue (DLQ) for permanently failed deliveries
//   - Rate limiting per queue
//   - Deduplication of named tasks (enqueueTask sets no task name, so
//     its tasks are not deduplicated)
//
// When a fallback Dispatcher is configured, an event whose Cloud Tasks
// enqueue fails is delivered through it instead.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	fallback  *Dispatcher // in-memory fallback for local dev
}

// NewCloudDispatcher creates a Cloud Tasks-backed webhook dispatcher.
// projectID, locationID, queueID identify the Cloud Tasks queue.
// If fallbackWorkers > 0, an in-memory Dispatcher is also created as fallback.
func NewCloudDispatcher(
	registry *Registry,
	projectID, locationID, queueID string,
	fallbackWorkers int,
) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
	}

	// Optionally create in-memory fallback
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	slog.Info("connected to Cloud Tasks queue", "queue", queuePath)
	return cd, nil
}

// Emit sends an event to all registered subscribers by creating a Cloud Task
// for each matching subscriber. Each task is an HTTP POST to the subscriber URL
// with the signed WebhookEvent payload.
func (cd *CloudDispatcher) Emit(eventType EventType, organizationID string, data map[string]interface{}) {
	subscribers := cd.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &WebhookEvent{
		ID:             fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:           eventType,
		Source:         "/api/v1/executions",
		Timestamp:      time.Now(),
		OrganizationID: organizationID,
		Data:           data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal webhook event", "error", err)
		return
	}

	for _, sub := range subscribers {
		// Only deliver within the same organization
		if sub.OrganizationID != "" && sub.OrganizationID != organizationID {
			continue
		}

		cd.enqueueTask(sub, event, payload)
	}
}

// enqueueTask creates a single Cloud Task for a webhook subscriber.
func (cd *CloudDispatcher) enqueueTask(sub *WebhookSubscription, event *WebhookEvent, payload []byte) {
	headers := map[string]string{
		"Content-Type":                  "application/json",
		"X-Automation-Event-Type":       string(event.Type),
		"X-Automation-Event-ID":         event.ID,
		"X-Automation-Delivery-Attempt": "1",
	}

	// Sign payload if secret is configured
	if sub.Secret != "" {
		sig := SignPayload(payload, sub.Secret)
		headers["X-Automation-Signature"] = "sha256=" + sig
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
			// No task Name is set, so Cloud Tasks does not deduplicate
			// these tasks.
		},
	}

	// Non-blocking: enqueue in a goroutine to avoid latency in the hot path
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			slog.Warn("Cloud Task enqueue failed", "event_id", event.ID, "url", sub.URL, "error", err)

			// Fall back to in-memory delivery if available
			if cd.fallback != nil {
				slog.Info("falling back to in-memory delivery", "event_id", event.ID)
				cd.fallback.Emit(event.Type, event.OrganizationID, event.Data)
			}
			return
		}

		slog.Info("enqueued Cloud Task", "event_id", event.ID, "url", sub.URL, "task", task.GetName())
	}()
}

// Shutdown gracefully shuts down the Cloud Tasks client and fallback dispatcher.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		slog.Warn("Cloud Tasks client close error", "error", err)
	}
	slog.Info("Cloud Tasks dispatcher closed")
}

// HealthCheck performs no check of the Cloud Tasks queue and always
// returns nil.
func (cd *CloudDispatcher) HealthCheck(ctx context.Context) error {
	// The client doesn't have a direct ping, but a GetQueue call validates connectivity.
	// For now, we rely on the initial connection check.
	return nil
}

// MarshalStats returns basic telemetry about the dispatcher.
func (cd *CloudDispatcher) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListAll()),
		"has_fallback": cd.fallback != nil,
	}
}
