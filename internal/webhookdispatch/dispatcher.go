package webhookdispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Dispatcher sends webhook events to registered subscribers asynchronously
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	wg         sync.WaitGroup
	workers    int
}

type deliveryJob struct {
	subscriber *WebhookSubscription
	event      *WebhookEvent
	attempt    int
}

// NewDispatcher creates a webhook dispatcher with a background worker pool
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan *deliveryJob, 1000),
		workers: workers,
	}

	// Start worker pool
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	return d
}

// Emit sends an event to all registered subscribers for that event type
func (d *Dispatcher) Emit(eventType EventType, organizationID string, data map[string]interface{}) {
	subscribers := d.registry.GetSubscribers(eventType)
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

	for _, sub := range subscribers {
		// Only deliver within the same organization
		if sub.OrganizationID != "" && sub.OrganizationID != organizationID {
			continue
		}

		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			slog.Warn("webhook delivery queue full, dropping event", "event_id", event.ID, "subscriber_id", sub.ID)
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		slog.Error("failed to marshal webhook event", "error", err)
		return
	}

	req, err := http.NewRequest("POST", job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("failed to create webhook delivery request", "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Automation-Event-Type", string(job.event.Type))
	req.Header.Set("X-Automation-Event-ID", job.event.ID)
	req.Header.Set("X-Automation-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	// Sign payload if secret is configured
	if job.subscriber.Secret != "" {
		sig := SignPayload(payload, job.subscriber.Secret)
		req.Header.Set("X-Automation-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "url", job.subscriber.URL, "error", err)
		d.registry.MarkFailed(job.subscriber.ID)

		// Retry transport errors for up to 3 attempts in all, sleeping
		// attempt² seconds (1s, then 4s) before requeueing
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("webhook delivery rejected", "status", resp.StatusCode, "url", job.subscriber.URL, "event_type", job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
	} else {
		slog.Info("webhook delivered", "event_type", job.event.Type, "url", job.subscriber.URL, "event_id", job.event.ID)
	}
}

// Shutdown gracefully shuts down the dispatcher
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
