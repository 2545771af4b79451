// Package runtime implements the Workflow Runtime: it walks a Workflow
// Graph in topological order starting from a trigger or a resumed wait
// node, resolving each node's parameters and credentials, dispatching to
// the connector it names, and recording a NodeResult for every node it
// touches (spec.md §4.8). It satisfies queue.Processor so the Execution
// Queue Service can drive it directly.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/credential"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/middleware"
	"github.com/ocx/backend/internal/resumetoken"
	"github.com/ocx/backend/internal/store"
)

// Config tunes execution-wide and per-call deadlines.
type Config struct {
	// ExecutionTimeout bounds the wall-clock time a non-waiting execution
	// may run for. Defaults to 24h, matching spec.md's default.
	ExecutionTimeout time.Duration
	// DefaultMaxAPICallsPerMinute is the quota applied to an organization
	// that hasn't configured its own limit.
	DefaultMaxAPICallsPerMinute int
	// DefaultMaxTokensPerMinute is the token-cost quota applied to an
	// organization that hasn't configured its own limit.
	DefaultMaxTokensPerMinute int
	// WaitTokenTTL is how long a minted resume token stays valid.
	WaitTokenTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 24 * time.Hour
	}
	if c.DefaultMaxAPICallsPerMinute <= 0 {
		c.DefaultMaxAPICallsPerMinute = 60
	}
	if c.DefaultMaxTokensPerMinute <= 0 {
		c.DefaultMaxTokensPerMinute = 100000
	}
	if c.WaitTokenTTL <= 0 {
		c.WaitTokenTTL = 7 * 24 * time.Hour
	}
	return c
}

// Engine is the Workflow Runtime.
type Engine struct {
	db          *store.Store
	invoker     connector.Invoker
	credentials credential.Store
	tokens      *resumetoken.Service
	quota       *middleware.QuotaGate
	bus         *events.EventBus
	logger      *slog.Logger
	cfg         Config
	orgConfig   *config.Manager // optional; per-org execution timeout override
	metrics     *metrics.Metrics
}

// WithMetrics attaches a Prometheus collector set, letting the runtime
// report node dispatch counts/durations and execution outcomes at
// GET /metrics.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithOrgConfig attaches a per-organization config Manager, letting an
// organization tighten or loosen the default execution deadline without a
// process restart.
func (e *Engine) WithOrgConfig(m *config.Manager) *Engine {
	e.orgConfig = m
	return e
}

// executionTimeoutFor resolves the effective execution-wide deadline for
// organizationID, falling back to the engine-wide default.
func (e *Engine) executionTimeoutFor(organizationID string) time.Duration {
	if e.orgConfig == nil {
		return e.cfg.ExecutionTimeout
	}
	if ms := e.orgConfig.Get(organizationID).Execution.TimeoutMs; ms != 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return e.cfg.ExecutionTimeout
}

// New constructs a Workflow Runtime Engine.
func New(db *store.Store, invoker connector.Invoker, credentials credential.Store, tokens *resumetoken.Service, quota *middleware.QuotaGate, bus *events.EventBus, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:          db,
		invoker:     invoker,
		credentials: credentials,
		tokens:      tokens,
		quota:       quota,
		bus:         bus,
		logger:      logger,
		cfg:         cfg.withDefaults(),
	}
}

// Process implements queue.Processor: it loads the Execution Record and
// its Workflow Graph and drives the run to completion, suspension, or
// failure.
func (e *Engine) Process(ctx context.Context, executionID string, attempt int) error {
	exec, err := e.db.GetExecution(ctx, executionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "load execution", err)
	}

	graph, err := e.db.GetWorkflowGraph(ctx, exec.WorkflowID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "load workflow graph", err)
	}

	resuming := exec.Status == domain.ExecutionWaiting
	if !domain.ValidTransition(exec.Status, domain.ExecutionRunning) && exec.Status != domain.ExecutionRunning {
		return apperrors.New(apperrors.KindValidation, fmt.Sprintf("cannot run execution in status %s", exec.Status))
	}
	if err := e.db.UpdateExecutionStatus(ctx, executionID, domain.ExecutionRunning, ""); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "mark execution running", err)
	}
	exec.Status = domain.ExecutionRunning

	deadlineBase := exec.StartedAt
	if resuming {
		// A waiting execution is exempt from the execution-wide deadline
		// until it resumes; the clock restarts now rather than counting
		// however long it sat waiting.
		deadlineBase = time.Now()
	}
	runCtx, cancel := context.WithDeadline(ctx, deadlineBase.Add(e.executionTimeoutFor(exec.OrganizationID)))
	defer cancel()

	eventType := events.EventExecutionStarted
	if resuming {
		eventType = events.EventExecutionResumed
	}
	e.emit(eventType, exec)

	status, runErr := e.run(runCtx, exec, graph)

	if e.metrics != nil {
		e.metrics.RecordExecutionOutcome(string(status))
	}

	switch status {
	case domain.ExecutionWaiting:
		e.emit(events.EventExecutionWaiting, exec)
		return nil
	case domain.ExecutionCompleted:
		if err := e.db.UpdateExecutionStatus(ctx, executionID, domain.ExecutionCompleted, ""); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "mark execution completed", err)
		}
		e.emit(events.EventExecutionCompleted, exec)
		return nil
	default:
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if err := e.db.UpdateExecutionStatus(ctx, executionID, domain.ExecutionFailed, msg); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "mark execution failed", err)
		}
		e.emit(events.EventExecutionFailed, exec)
		// A business-level node failure is terminal for the execution and
		// must not trigger the queue's own retry/backoff; only an
		// infrastructure error (store/context failures above) does that.
		return nil
	}
}

func (e *Engine) emit(eventType string, exec *domain.Execution) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventType, "ocx-backend/runtime", exec.ExecutionID, map[string]interface{}{
		"executionId":    exec.ExecutionID,
		"workflowId":     exec.WorkflowID,
		"organizationId": exec.OrganizationID,
		"status":         string(exec.Status),
	})
}

func (e *Engine) emitNode(eventType string, exec *domain.Execution, nodeID string, result *domain.NodeResult) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"executionId":    exec.ExecutionID,
		"workflowId":     exec.WorkflowID,
		"organizationId": exec.OrganizationID,
		"nodeId":         nodeID,
	}
	if result != nil {
		data["status"] = string(result.Status)
	}
	e.bus.Emit(eventType, "ocx-backend/runtime", exec.ExecutionID+":"+nodeID, data)
}

// run walks the graph from the execution's current frontier to completion,
// suspension on a wait node, or a terminal node failure. It returns the
// resulting status and, on failure, the error that caused it.
func (e *Engine) run(ctx context.Context, exec *domain.Execution, graph *domain.Graph) (domain.ExecutionStatus, error) {
	order, err := topologicalSort(graph)
	if err != nil {
		return domain.ExecutionFailed, err
	}
	incoming := incomingEdges(graph)

	startIdx := 0
	if exec.ResumeState != nil {
		for i, id := range order {
			if id == exec.ResumeState.NextNodeID {
				startIdx = i
				break
			}
		}
	}

	active := make(map[string]bool, len(graph.Edges))
	steps := make(map[string]interface{}, len(exec.NodeResults))
	for nodeID, result := range exec.NodeResults {
		steps[nodeID] = result.Output
		if node, ok := graph.NodeByID(nodeID); ok {
			for _, oe := range graph.OutEdges(node.ID) {
				active[edgeKey(oe.FromNodeID, oe.ToNodeID)] = true
			}
		}
	}

	evalCtx := evalContext{
		Trigger: exec.TriggerData,
		Steps:   steps,
		Env: map[string]interface{}{
			"organizationId": exec.OrganizationID,
			"executionId":    exec.ExecutionID,
			"workflowId":     exec.WorkflowID,
		},
	}

	for _, nodeID := range order[startIdx:] {
		if _, already := exec.NodeResults[nodeID]; already {
			continue
		}

		node, ok := graph.NodeByID(nodeID)
		if !ok {
			continue
		}

		if edges, hasIncoming := incoming[nodeID]; hasIncoming {
			eligible := false
			for _, ie := range edges {
				if active[edgeKey(ie.FromNodeID, ie.ToNodeID)] {
					eligible = true
					break
				}
			}
			if !eligible {
				e.recordSkip(ctx, exec, nodeID)
				continue
			}
		}

		if node.Kind == domain.NodeKindTrigger {
			steps[nodeID] = exec.TriggerData
			for _, oe := range graph.OutEdges(nodeID) {
				active[edgeKey(oe.FromNodeID, oe.ToNodeID)] = true
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			result := domain.NodeResult{
				Status:    domain.NodeResultFailed,
				Error:     "execution deadline exceeded",
				StartedAt: time.Now(),
				EndedAt:   time.Now(),
			}
			_ = e.db.UpdateExecutionNodeResult(ctx, exec.ExecutionID, nodeID, result, nil)
			return domain.ExecutionFailed, apperrors.New(apperrors.KindExecutionTimeout, "execution deadline exceeded")
		}

		e.emitNode(events.EventNodeStarted, exec, nodeID, nil)

		outcome, err := e.dispatch(ctx, exec, &node, evalCtx)
		if err != nil {
			return domain.ExecutionFailed, err
		}

		if outcome.suspend {
			return domain.ExecutionWaiting, nil
		}

		steps[nodeID] = outcome.result.Output
		if err := e.db.UpdateExecutionNodeResult(ctx, exec.ExecutionID, nodeID, outcome.result, nil); err != nil {
			return domain.ExecutionFailed, apperrors.Wrap(apperrors.KindInternal, "persist node result", err)
		}
		exec.NodeResults[nodeID] = outcome.result
		e.emitNode(events.EventNodeCompleted, exec, nodeID, &outcome.result)

		if outcome.result.Status == domain.NodeResultFailed {
			if len(node.OnErrorEdges) > 0 {
				for _, target := range node.OnErrorEdges {
					active[edgeKey(nodeID, target)] = true
				}
				continue
			}
			return domain.ExecutionFailed, apperrors.New(apperrors.KindInternal, fmt.Sprintf("node %s failed: %s", nodeID, outcome.result.Error))
		}

		branch := outcome.branch
		for _, oe := range graph.OutEdges(nodeID) {
			if oe.Branch == "" || oe.Branch == branch {
				active[edgeKey(oe.FromNodeID, oe.ToNodeID)] = true
			}
		}
	}

	return domain.ExecutionCompleted, nil
}

func (e *Engine) recordSkip(ctx context.Context, exec *domain.Execution, nodeID string) {
	result := domain.NodeResult{
		Status:    domain.NodeResultSkipped,
		Summary:   "skipped: no active incoming branch",
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
	_ = e.db.UpdateExecutionNodeResult(ctx, exec.ExecutionID, nodeID, result, nil)
	exec.NodeResults[nodeID] = result
}
