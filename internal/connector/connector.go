// Package connector is the black-box boundary between the Workflow
// Runtime and third-party SaaS APIs. The runtime never talks HTTP
// directly to a connector; it calls Invoke and gets back a typed
// result, classified into the same apperrors.Kind taxonomy as every
// other fallible call in the pipeline.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/circuitbreaker"
)

// InvokeRequest is everything an Invoker needs to perform one connector
// call on behalf of one node execution.
type InvokeRequest struct {
	AppID          string
	OperationID    string
	Parameters     map[string]interface{}
	Credentials    map[string]interface{}
	ExecutionID    string
	NodeID         string
	IdempotencyKey string
}

// InvokeResult is what the connector reported back.
type InvokeResult struct {
	Data map[string]interface{}
}

// Invoker executes one connector operation. Implementations classify
// failures into apperrors.Kind so the runtime's retry policy and the
// queue's backoff apply uniformly.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// Endpoint is the resolved HTTP shape of one (appId, operationId) pair.
type Endpoint struct {
	Method string
	URL    string
}

// EndpointResolver maps a connector operation to the HTTP endpoint that
// implements it. Building out the real per-app catalog is out of scope
// here (see Non-goals); StaticCatalog below is a minimal implementation
// callers can seed for tests and for the apps they do wire up.
type EndpointResolver interface {
	Resolve(appID, operationID string) (Endpoint, error)
}

// StaticCatalog is an in-memory EndpointResolver keyed by "appId/operationId".
type StaticCatalog map[string]Endpoint

// Resolve implements EndpointResolver.
func (c StaticCatalog) Resolve(appID, operationID string) (Endpoint, error) {
	ep, ok := c[appID+"/"+operationID]
	if !ok {
		return Endpoint{}, apperrors.New(apperrors.KindMissingReference, fmt.Sprintf("no endpoint registered for %s/%s", appID, operationID))
	}
	return ep, nil
}

// HTTPInvoker is the default Invoker: it resolves an operation to an
// HTTP endpoint, issues the request with the node's credentials attached
// as a bearer token, and classifies the response/error into an
// apperrors.Kind. Each app gets its own circuit breaker so one flaky
// connector never starves calls to another.
type HTTPInvoker struct {
	client    *http.Client
	resolver  EndpointResolver
	breakers  *circuitbreaker.ConnectorCircuitBreakers
	userAgent string
}

// NewHTTPInvoker constructs an HTTPInvoker with the given per-call timeout
// (default 30s, matching spec.md's connector.timeoutMs default).
func NewHTTPInvoker(resolver EndpointResolver, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		client:    &http.Client{Timeout: timeout},
		resolver:  resolver,
		breakers:  circuitbreaker.NewConnectorCircuitBreakers(),
		userAgent: "ocx-backend-connector/1.0",
	}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	ep, err := h.resolver.Resolve(req.AppID, req.OperationID)
	if err != nil {
		return InvokeResult{}, err
	}

	breaker := h.breakers.ForApp(req.AppID)
	raw, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return h.do(ctx, ep, req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return InvokeResult{}, apperrors.Wrap(apperrors.KindConnectorNetwork, fmt.Sprintf("connector %s circuit open", req.AppID), err)
		}
		return InvokeResult{}, err
	}
	return raw.(InvokeResult), nil
}

func (h *HTTPInvoker) do(ctx context.Context, ep Endpoint, req InvokeRequest) (InvokeResult, error) {
	body, err := json.Marshal(req.Parameters)
	if err != nil {
		return InvokeResult{}, apperrors.Wrap(apperrors.KindValidation, "encode connector parameters", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, apperrors.Wrap(apperrors.KindValidation, "build connector request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", h.userAgent)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if token, ok := req.Credentials["accessToken"].(string); ok && token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return InvokeResult{}, apperrors.Wrap(apperrors.KindConnectorTimeout, fmt.Sprintf("connector %s/%s timed out", req.AppID, req.OperationID), ctxErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return InvokeResult{}, apperrors.Wrap(apperrors.KindConnectorTimeout, fmt.Sprintf("connector %s/%s timed out", req.AppID, req.OperationID), err)
		}
		return InvokeResult{}, apperrors.Wrap(apperrors.KindConnectorNetwork, fmt.Sprintf("connector %s/%s unreachable", req.AppID, req.OperationID), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return InvokeResult{}, apperrors.Wrap(apperrors.KindConnectorNetwork, "read connector response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return InvokeResult{}, apperrors.New(apperrors.KindRateLimited, fmt.Sprintf("connector %s/%s rate limited", req.AppID, req.OperationID))
	}
	if resp.StatusCode >= 500 {
		return InvokeResult{}, apperrors.New(apperrors.KindConnectorHTTP5xx, fmt.Sprintf("connector %s/%s returned %d", req.AppID, req.OperationID, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return InvokeResult{}, apperrors.New(apperrors.KindConnectorHTTP4xx, fmt.Sprintf("connector %s/%s returned %d", req.AppID, req.OperationID, resp.StatusCode))
	}

	var data map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &data); err != nil {
			// Not every connector response is a JSON object; carry the raw
			// body through rather than failing the node.
			data = map[string]interface{}{"raw": string(respBody)}
		}
	}
	return InvokeResult{Data: data}, nil
}
