package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversOnlySubscribedType(t *testing.T) {
	bus := NewEventBus()
	started := bus.Subscribe(EventExecutionStarted)
	completed := bus.Subscribe(EventExecutionCompleted)

	bus.Emit(EventExecutionStarted, "runtime", "exec_1", map[string]interface{}{"organizationId": "org_1"})

	select {
	case ev := <-started:
		assert.Equal(t, EventExecutionStarted, ev.Type)
		assert.Equal(t, "exec_1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive the started event")
	}

	select {
	case ev := <-completed:
		t.Fatalf("completed subscriber must not see a started event, got %v", ev)
	default:
	}
}

func TestEventBus_WildcardSubscriberReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	all := bus.Subscribe()

	bus.Emit(EventExecutionStarted, "runtime", "exec_1", nil)
	bus.Emit(EventNodeCompleted, "runtime", "exec_1:node_a", nil)

	first := <-all
	second := <-all
	assert.Equal(t, EventExecutionStarted, first.Type)
	assert.Equal(t, EventNodeCompleted, second.Type)
}

func TestEventBus_UnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(EventExecutionFailed)
	bus.Unsubscribe(ch)

	bus.Emit(EventExecutionFailed, "runtime", "exec_1", nil)

	_, open := <-ch
	assert.False(t, open, "channel must be closed after Unsubscribe")
}

func TestEventBus_PublishDoesNotBlockWhenSubscriberBufferIsFull(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(EventNodeStarted)

	done := make(chan struct{})
	go func() {
		for i := 0; i < bus.bufferSize+10; i++ {
			bus.Emit(EventNodeStarted, "runtime", "exec_1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish must drop rather than block when a subscriber's buffer is full")
	}
	assert.NotNil(t, ch)
}

func TestEventBus_SubscriberCountTracksAllAndTypedSubscriptions(t *testing.T) {
	bus := NewEventBus()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Subscribe(EventExecutionStarted)
	bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestCloudEvent_SSEFormatIncludesTypeAndID(t *testing.T) {
	ev := NewCloudEvent(EventExecutionWaiting, "runtime", "exec_1", map[string]interface{}{"nodeId": "node_wait"})
	out, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: "+EventExecutionWaiting)
	assert.Contains(t, string(out), ev.ID)
}
