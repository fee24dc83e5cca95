// Package submission is the external Submission API (spec §6): submit,
// cancel, get, and list, sitting in front of the Scheduler and Dependency
// Graph. It owns the validation rejections spec §7.1 names (invalid
// priority, oversized payload) before ever touching the graph, so the
// graph's own duplicate/unknown-prereq/cycle checks are the only validation
// left for it to surface unchanged. Grounded on the teacher's
// services/orchestrator/handlers.go request-validation-then-delegate shape.
package submission

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/graph"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/scheduler"
)

// MaxPayloadBytes bounds a submitted task's payload, per spec §7.1's
// PayloadTooLarge rejection.
const MaxPayloadBytes = 4 << 20

// Request is the transport-agnostic submission input spec §6 defines.
type Request struct {
	ID           string            `json:"id,omitempty"`
	Kind         string            `json:"kind"`
	Department   string            `json:"department"`
	Priority     model.Priority    `json:"priority,omitempty"`
	Payload      []byte            `json:"payload,omitempty"`
	PrereqIDs    []string          `json:"prereq_ids,omitempty"`
	MaxRetries   int               `json:"max_retries"`
	Deadline     *time.Time        `json:"deadline,omitempty"`
	Cacheable    bool              `json:"cacheable,omitempty"`
	CostMode     string            `json:"cost_mode,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func validPriority(p model.Priority) bool {
	switch p {
	case model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
		return true
	default:
		return false
	}
}

// API wraps a Scheduler and Graph with request validation and read
// operations, the single entrypoint transports (HTTP, gRPC, CLI) should
// call through.
type API struct {
	sched *scheduler.Scheduler
	graph *graph.Graph
}

// New constructs a submission API over sched and g, which must be the same
// graph sched itself was built with.
func New(sched *scheduler.Scheduler, g *graph.Graph) *API {
	return &API{sched: sched, graph: g}
}

// Submit validates req and, if accepted, hands it to the Scheduler. Returns
// the assigned task id or one of model.ErrInvalidPriority,
// model.ErrPayloadTooLarge, model.ErrDuplicate, model.ErrUnknownPrereq, or
// model.ErrCycleDetected.
func (a *API) Submit(ctx context.Context, req Request) (string, error) {
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if !validPriority(req.Priority) {
		return "", model.ErrInvalidPriority
	}
	if len(req.Payload) > MaxPayloadBytes {
		return "", model.ErrPayloadTooLarge
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	task := &model.Task{
		ID:           id,
		Kind:         req.Kind,
		Department:   req.Department,
		Priority:     req.Priority,
		Payload:      req.Payload,
		MaxRetries:   req.MaxRetries,
		Deadline:     req.Deadline,
		Cacheable:    req.Cacheable,
		CostMode:     req.CostMode,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	}
	if err := a.sched.Submit(ctx, task, req.PrereqIDs); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel is idempotent at the API layer: cancelling an already-terminal or
// already-cancelled task returns its current state rather than an error,
// matching spec §6's "cancel(id): idempotent. Returns current state."
// A genuinely unknown id still errors.
func (a *API) Cancel(ctx context.Context, taskID, reason string) (model.TaskState, error) {
	task, ok := a.graph.Get(taskID)
	if !ok {
		return "", fmt.Errorf("taskmesh: unknown task %q", taskID)
	}
	if task.State.Terminal() {
		return task.State, nil
	}
	if err := a.sched.Cancel(ctx, taskID, reason); err != nil {
		// A duplicate cancel from the scheduler's own idempotency guard is not
		// an API-level error: the task is (or is about to be) cancelled either
		// way, so report its state rather than propagate the race.
		if current, ok := a.graph.Get(taskID); ok {
			return current.State, nil
		}
		return "", err
	}
	current, _ := a.graph.Get(taskID)
	return current.State, nil
}

// Get returns a defensive copy of taskID's current record.
func (a *API) Get(ctx context.Context, taskID string) (model.Task, bool) {
	task, ok := a.graph.Get(taskID)
	if !ok {
		return model.Task{}, false
	}
	return task.Clone(), true
}

// Filter narrows List results; zero-value fields are unfiltered.
type Filter struct {
	Department string
	State      model.TaskState
	Kind       string
}

func (f Filter) matches(t model.Task) bool {
	if f.Department != "" && t.Department != f.Department {
		return false
	}
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	return true
}

// List returns every task matching filter, ordered by id for deterministic
// pagination-free output. Spec §6 calls for a "lazy finite sequence"; the
// in-memory graph is small enough that a materialized, filtered slice serves
// the same contract without a generator's complexity.
func (a *API) List(ctx context.Context, filter Filter) []model.Task {
	ids := a.graph.AllIDs()
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		task, ok := a.graph.Get(id)
		if !ok {
			continue
		}
		if filter.matches(*task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
