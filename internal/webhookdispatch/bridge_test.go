package webhookdispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/events"
)

type fakeEmitter struct {
	mu     chan struct{}
	typ    EventType
	org    string
	called bool
}

func (f *fakeEmitter) Emit(eventType EventType, organizationID string, data map[string]interface{}) {
	f.typ = eventType
	f.org = organizationID
	f.called = true
	f.mu <- struct{}{}
}

func (f *fakeEmitter) Shutdown() {}

func TestBridge_ForwardsBusEventsToEmitter(t *testing.T) {
	bus := events.NewEventBus()
	emitter := &fakeEmitter{mu: make(chan struct{}, 1)}
	bridge := NewBridge(bus, emitter)
	defer bridge.Stop()

	bus.Emit(events.EventExecutionCompleted, "ocx-backend/runtime", "exec_1", map[string]interface{}{
		"executionId":    "exec_1",
		"organizationId": "org_1",
	})

	select {
	case <-emitter.mu:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridge to forward event")
	}

	require.True(t, emitter.called)
	assert.Equal(t, EventExecutionCompleted, emitter.typ)
	assert.Equal(t, "org_1", emitter.org)
}
