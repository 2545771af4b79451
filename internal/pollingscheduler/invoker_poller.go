package pollingscheduler

import (
	"context"

	"github.com/ocx/backend/internal/connector"
)

// InvokerPoller adapts a connector.Invoker into a ConnectorPoller so the
// Polling Scheduler drives the same black-box connector boundary the
// Workflow Runtime does, rather than a separate HTTP client. The poll
// operation's InvokeResult.Data is expected to carry "events" (a list of
// event payloads, in connector-reported order) and "cursor" (the opaque
// value to persist for the next poll), matching spec.md §4.5 step 3.
type InvokerPoller struct {
	invoker connector.Invoker
}

// NewInvokerPoller constructs a ConnectorPoller backed by invoker.
func NewInvokerPoller(invoker connector.Invoker) *InvokerPoller {
	return &InvokerPoller{invoker: invoker}
}

// Poll implements ConnectorPoller.
func (p *InvokerPoller) Poll(ctx context.Context, appID, operationID, cursor string, metadata map[string]interface{}) (PollResult, error) {
	params := map[string]interface{}{"cursor": cursor}
	for k, v := range metadata {
		params[k] = v
	}

	res, err := p.invoker.Invoke(ctx, connector.InvokeRequest{
		AppID:       appID,
		OperationID: operationID,
		Parameters:  params,
	})
	if err != nil {
		return PollResult{}, err
	}

	result := PollResult{Cursor: cursor}
	if nextCursor, ok := res.Data["cursor"].(string); ok {
		result.Cursor = nextCursor
	}
	if rawEvents, ok := res.Data["events"].([]interface{}); ok {
		for _, re := range rawEvents {
			if event, ok := re.(map[string]interface{}); ok {
				result.Events = append(result.Events, event)
			}
		}
	}
	return result, nil
}
