package domain

import "time"

// TriggerKind distinguishes webhook triggers from polling triggers.
type TriggerKind string

const (
	TriggerWebhook TriggerKind = "webhook"
	TriggerPolling TriggerKind = "polling"
)

// TriggerRecord is the durable registration of one trigger belonging to
// one deployed workflow.
type TriggerRecord struct {
	ID             string      `json:"id"`
	WorkflowID     string      `json:"workflowId"`
	OrganizationID string      `json:"organizationId"`
	Kind           TriggerKind `json:"kind"`
	AppID          string      `json:"appId"`
	TriggerID      string      `json:"triggerId"`
	Endpoint       string      `json:"endpoint,omitempty"`
	Secret         string      `json:"secret,omitempty"`
	SignatureStrategy string   `json:"signatureStrategy,omitempty"`

	// Polling-only fields.
	Interval     time.Duration `json:"interval,omitempty"`
	CronExpr     string        `json:"cronExpr,omitempty"`
	NextPollAt   time.Time     `json:"nextPollAt,omitempty"`
	LastPollAt   time.Time     `json:"lastPollAt,omitempty"`
	Cursor       string        `json:"cursor,omitempty"`
	BackoffCount int           `json:"backoffCount"`

	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	DedupeTTL  time.Duration          `json:"dedupeTtl,omitempty"`
	Active     bool                   `json:"active"`
	LastStatus string                 `json:"lastStatus,omitempty"` // "ok" | "error"
}

// WebhookLog is an append-only audit record of one inbound webhook delivery
// attempt, used for replay diagnostics and duplicate investigation.
type WebhookLog struct {
	ID             string    `json:"id"`
	WebhookID      string    `json:"webhookId"`
	WorkflowID     string    `json:"workflowId"`
	OrganizationID string    `json:"organizationId"`
	AppID          string    `json:"appId,omitempty"`
	TriggerID      string    `json:"triggerId,omitempty"`
	PayloadDigest  string    `json:"payloadDigest"`
	Headers        map[string]string `json:"headers,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Signature      string    `json:"signature,omitempty"`
	Processed      bool      `json:"processed"`
	ExecutionID    string    `json:"executionId,omitempty"`
	Error          string    `json:"error,omitempty"`
	Source         string    `json:"source,omitempty"` // "webhook" | "duplicate"
}

// DedupeEntry is one at-most-once delivery ledger row.
type DedupeEntry struct {
	Scope     string    `json:"scope"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Organization is the tenant boundary every durable entity belongs to.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MaxAPICallsPerMinute int `json:"maxApiCallsPerMinute"`
	MaxTokensPerMinute   int `json:"maxTokensPerMinute"`
	CreatedAt time.Time `json:"createdAt"`
}

// Connection is a stored reference to a set of third-party credentials
// (the actual secret material lives behind the Credential Store interface).
type Connection struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organizationId"`
	AppID          string                 `json:"appId"`
	Kind           string                 `json:"kind"` // "oauth2" | "api_key" | "basic"
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// WorkerHeartbeat is the liveness record a worker process writes
// periodically so monitors can flag stale fleets.
type WorkerHeartbeat struct {
	WorkerID         string    `json:"workerId"`
	Type             string    `json:"type"` // "execution-worker" | "polling-scheduler" | "api"
	LastBeatAt       time.Time `json:"lastBeatAt"`
	ActiveExecutions int       `json:"activeExecutions"`
}
