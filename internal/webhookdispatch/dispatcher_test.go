package webhookdispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversOnlyToMatchingOrganization(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev WebhookEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		received = append(received, ev.OrganizationID)
		mu.Unlock()
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&WebhookSubscription{URL: srv.URL, Events: []EventType{EventExecutionCompleted}, OrganizationID: "org_1"}))
	require.NoError(t, reg.Register(&WebhookSubscription{URL: srv.URL, Events: []EventType{EventExecutionCompleted}, OrganizationID: "org_2"}))

	d := NewDispatcher(reg, 2)
	defer d.Shutdown()

	d.Emit(EventExecutionCompleted, "org_1", map[string]interface{}{"executionId": "exec_1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"org_1"}, received)
}

func TestDispatcher_SignsPayloadWhenSecretConfigured(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Automation-Signature")
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&WebhookSubscription{URL: srv.URL, Events: []EventType{EventExecutionFailed}, Secret: "shh"}))

	d := NewDispatcher(reg, 1)
	defer d.Shutdown()

	d.Emit(EventExecutionFailed, "org_1", map[string]interface{}{})

	require.Eventually(t, func() bool { return gotSig != "" }, time.Second, 10*time.Millisecond)
	assert.Contains(t, gotSig, "sha256=")
}

func TestRegistry_MarkFailedDisablesAfterTenFailures(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&WebhookSubscription{ID: "wh-1", URL: "http://example.invalid", Events: []EventType{EventExecutionFailed}}))

	for i := 0; i < 10; i++ {
		reg.MarkFailed("wh-1")
	}

	subs := reg.GetSubscribers(EventExecutionFailed)
	assert.Empty(t, subs)
}
