package webhookdispatch

import "github.com/ocx/backend/internal/events"

// eventTypeByBusType maps the EventBus's CloudEvents type strings onto the
// EventType values webhook subscriptions are registered against.
var eventTypeByBusType = map[string]EventType{
	events.EventExecutionStarted:   EventExecutionStarted,
	events.EventExecutionWaiting:   EventExecutionWaiting,
	events.EventExecutionResumed:   EventExecutionResumed,
	events.EventExecutionCompleted: EventExecutionCompleted,
	events.EventExecutionFailed:    EventExecutionFailed,
	events.EventNodeStarted:        EventNodeStarted,
	events.EventNodeCompleted:      EventNodeCompleted,
}

// Bridge subscribes to the EventBus and forwards every execution lifecycle
// event to a WebhookEmitter, so outbound webhook delivery stays decoupled
// from the Workflow Runtime that raises the events.
type Bridge struct {
	emitter WebhookEmitter
	ch      chan *events.CloudEvent
	bus     *events.EventBus
}

// NewBridge subscribes to every execution lifecycle event type on bus and
// starts forwarding them to emitter until Stop is called.
func NewBridge(bus *events.EventBus, emitter WebhookEmitter) *Bridge {
	types := make([]string, 0, len(eventTypeByBusType))
	for t := range eventTypeByBusType {
		types = append(types, t)
	}
	ch := bus.Subscribe(types...)

	b := &Bridge{emitter: emitter, ch: ch, bus: bus}
	go b.run()
	return b
}

func (b *Bridge) run() {
	for ev := range b.ch {
		eventType, ok := eventTypeByBusType[ev.Type]
		if !ok {
			continue
		}
		organizationID, _ := ev.Data["organizationId"].(string)
		b.emitter.Emit(eventType, organizationID, ev.Data)
	}
}

// Stop unsubscribes from the bus, ending the forwarding goroutine.
func (b *Bridge) Stop() {
	b.bus.Unsubscribe(b.ch)
}
