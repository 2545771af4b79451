package domain

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution Record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ValidTransition enforces the monotonic status machine from spec.md §3:
// pending → running → (waiting ↔ running)* → (completed | failed | cancelled).
func ValidTransition(from, to ExecutionStatus) bool {
	if from.terminal() {
		return false
	}
	switch from {
	case ExecutionPending:
		return to == ExecutionRunning || to == ExecutionCancelled || to == ExecutionFailed
	case ExecutionRunning:
		return to == ExecutionWaiting || to == ExecutionCompleted || to == ExecutionFailed || to == ExecutionCancelled
	case ExecutionWaiting:
		return to == ExecutionRunning || to == ExecutionFailed || to == ExecutionCancelled
	default:
		return false
	}
}

// NodeResultStatus is the terminal state of a single node's execution.
type NodeResultStatus string

const (
	NodeResultSuccess NodeResultStatus = "success"
	NodeResultFailed  NodeResultStatus = "failed"
	NodeResultSkipped NodeResultStatus = "skipped"
)

// MetadataSnapshot describes the shape of a node's output for downstream
// reference resolution (columns, inferred schema, nullability, a sample).
type MetadataSnapshot struct {
	Columns    []string       `json:"columns,omitempty"`
	Schema     map[string]any `json:"schema,omitempty"`
	Nullable   []string       `json:"nullable,omitempty"`
	SampleJSON json.RawMessage `json:"sample,omitempty"`
}

// NodeResult is the recorded outcome of one node's execution within one
// Execution Record.
type NodeResult struct {
	Status      NodeResultStatus       `json:"status"`
	Summary     string                 `json:"summary,omitempty"`
	Output      interface{}            `json:"output,omitempty"`
	Logs        []string               `json:"logs,omitempty"`
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Metadata    *MetadataSnapshot      `json:"metadataSnapshot,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	EndedAt     time.Time              `json:"endedAt"`
	Error       string                 `json:"error,omitempty"`
}

// ResumeState describes the frontier a waiting execution should resume
// from: the node that suspended it plus whatever scoped data that node
// needs to continue (e.g. loop iteration index, external correlation id).
type ResumeState struct {
	NextNodeID string                 `json:"nextNodeId"`
	Scope      map[string]interface{} `json:"scope,omitempty"`
}

// Execution is one run of a Graph against one trigger payload.
type Execution struct {
	ExecutionID    string                 `json:"executionId"`
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	UserID         string                 `json:"userId,omitempty"`
	Status         ExecutionStatus        `json:"status"`
	TriggerType    string                 `json:"triggerType"`
	TriggerData    map[string]interface{} `json:"triggerData,omitempty"`
	NodeResults    map[string]NodeResult  `json:"nodeResults"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	DurationMs     *int64                 `json:"durationMs,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ResumeState    *ResumeState           `json:"resumeState,omitempty"`
	Attempt        int                    `json:"attempt"`
	CorrelationID  string                 `json:"correlationId,omitempty"`
}

// ResumeToken is a single-use ticket that resumes a waiting execution.
type ResumeToken struct {
	TokenID        string                 `json:"tokenId"`
	ExecutionID    string                 `json:"executionId"`
	NodeID         string                 `json:"nodeId"`
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	ResumeState    ResumeState            `json:"resumeState"`
	InitialData    map[string]interface{} `json:"initialData,omitempty"`
	TriggerType    string                 `json:"triggerType"`
	IssuedAt       time.Time              `json:"issuedAt"`
	ExpiresAt      time.Time              `json:"expiresAt"`
	ConsumedAt     *time.Time             `json:"consumedAt,omitempty"`
}
