package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/apperrors"
)

func TestHTTPInvoker_SuccessRoundTrip(t *testing.T) {
	var gotAuth, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	catalog := StaticCatalog{"slack/postMessage": {Method: http.MethodPost, URL: srv.URL}}
	inv := NewHTTPInvoker(catalog, time.Second)

	result, err := inv.Invoke(context.Background(), InvokeRequest{
		AppID:          "slack",
		OperationID:    "postMessage",
		Parameters:     map[string]interface{}{"text": "hi"},
		Credentials:    map[string]interface{}{"accessToken": "tok_123"},
		IdempotencyKey: "exec_1:node_1",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result.Data["ok"])
	assert.Equal(t, "Bearer tok_123", gotAuth)
	assert.Equal(t, "exec_1:node_1", gotIdem)
}

func TestHTTPInvoker_MissingEndpointIsMissingReference(t *testing.T) {
	inv := NewHTTPInvoker(StaticCatalog{}, time.Second)
	_, err := inv.Invoke(context.Background(), InvokeRequest{AppID: "unknown", OperationID: "op"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindMissingReference, apperrors.KindOf(err))
}

func TestHTTPInvoker_ClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	catalog := StaticCatalog{"app/op": {Method: http.MethodPost, URL: srv.URL}}
	inv := NewHTTPInvoker(catalog, time.Second)
	_, err := inv.Invoke(context.Background(), InvokeRequest{AppID: "app", OperationID: "op"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConnectorHTTP5xx, apperrors.KindOf(err))
	assert.True(t, apperrors.Retryable(err))
}

func TestHTTPInvoker_ClassifiesClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	catalog := StaticCatalog{"app/op": {Method: http.MethodPost, URL: srv.URL}}
	inv := NewHTTPInvoker(catalog, time.Second)
	_, err := inv.Invoke(context.Background(), InvokeRequest{AppID: "app", OperationID: "op"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConnectorHTTP4xx, apperrors.KindOf(err))
	assert.False(t, apperrors.Retryable(err))
}

func TestHTTPInvoker_ClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	catalog := StaticCatalog{"app/op": {Method: http.MethodPost, URL: srv.URL}}
	inv := NewHTTPInvoker(catalog, time.Second)
	_, err := inv.Invoke(context.Background(), InvokeRequest{AppID: "app", OperationID: "op"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
}

func TestHTTPInvoker_ClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	catalog := StaticCatalog{"app/op": {Method: http.MethodPost, URL: srv.URL}}
	inv := NewHTTPInvoker(catalog, 5*time.Millisecond)
	_, err := inv.Invoke(context.Background(), InvokeRequest{AppID: "app", OperationID: "op"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConnectorTimeout, apperrors.KindOf(err))
}
