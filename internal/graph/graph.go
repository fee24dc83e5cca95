// Package graph is the C2 Dependency Graph: an in-memory DAG of tasks keyed
// by prerequisite edges, supporting insertion with cycle/unknown-prereq
// rejection, readiness propagation on completion, transitive cancellation on
// permanent failure, and critical-path/execution-order queries. It
// generalizes the teacher's buildDAG/dagNode/Kahn's-algorithm scheduling in
// services/orchestrator/dag_engine.go from a single workflow's transient
// execution DAG to the long-lived, continuously-mutated task graph described
// by the scheduler.
package graph

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/model"
)

type node struct {
	task             *model.Task
	prereqIDs        []string
	dependents       []string
	remainingPrereqs int
}

// Graph is the mutable dependency graph. It is safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node

	nodesGauge   metric.Int64UpDownCounter
	cyclesCount  metric.Int64Counter
	readyCounter metric.Int64Counter
}

// New constructs an empty Graph with its own metric instruments registered
// against the default meter provider, following the teacher's pattern of
// taking instruments at construction time.
func New() *Graph {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	nodesGauge, _ := meter.Int64UpDownCounter("taskmesh_graph_nodes")
	cyclesCount, _ := meter.Int64Counter("taskmesh_graph_cycle_rejections_total")
	readyCounter, _ := meter.Int64Counter("taskmesh_graph_ready_transitions_total")
	return &Graph{
		nodes:        make(map[string]*node),
		nodesGauge:   nodesGauge,
		cyclesCount:  cyclesCount,
		readyCounter: readyCounter,
	}
}

// Insert adds task to the graph with edges from each of prereqIDs to task.
// It rejects duplicate IDs, references to unknown prerequisites, and edges
// that would create a cycle (spec §4.2).
func (g *Graph) Insert(ctx context.Context, task *model.Task, prereqIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[task.ID]; exists {
		return model.ErrDuplicate
	}
	for _, pid := range prereqIDs {
		if pid == task.ID {
			g.cyclesCount.Add(ctx, 1)
			return model.ErrCycleDetected
		}
		if _, exists := g.nodes[pid]; !exists {
			return model.ErrUnknownPrereq
		}
	}

	n := &node{task: task, prereqIDs: append([]string(nil), prereqIDs...)}
	for _, pid := range prereqIDs {
		if g.nodes[pid].task.State != model.TaskSucceeded {
			n.remainingPrereqs++
		}
	}
	g.nodes[task.ID] = n
	for _, pid := range prereqIDs {
		g.nodes[pid].dependents = append(g.nodes[pid].dependents, task.ID)
	}

	if g.wouldCycle(task.ID) {
		g.removeLocked(task.ID)
		g.cyclesCount.Add(ctx, 1)
		return model.ErrCycleDetected
	}

	task.PrereqIDs = append([]string(nil), prereqIDs...)
	if n.remainingPrereqs == 0 {
		task.State = model.TaskReady
		g.readyCounter.Add(ctx, 1)
	}
	g.nodesGauge.Add(ctx, 1)
	return nil
}

// canReach reports whether to is reachable from from by following
// dependent edges forward, i.e. whether a path from -> ... -> to exists.
func (g *Graph) canReach(from, to string) bool {
	visited := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(cur string) bool {
		n, ok := g.nodes[cur]
		if !ok {
			return false
		}
		for _, dep := range n.dependents {
			if dep == to {
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if dfs(dep) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// wouldCycle reports whether id is reachable from itself by following
// dependent edges forward, i.e. whether a path id -> ... -> id exists. Called
// only right after insertion, so any cycle found necessarily passes through
// the newly added node.
func (g *Graph) wouldCycle(id string) bool {
	return g.canReach(id, id)
}

// AddDependency adds prereqID as a prerequisite of the already-inserted
// taskID, rejecting an unknown id on either side and an edge that would
// create a cycle (spec §4.2, scenario S2 — adding an edge between two
// already-inserted tasks, as opposed to Insert's prereqs-known-up-front
// case). If prereqID has not already succeeded, taskID's remaining
// prerequisite count is bumped and a task that had already become ready
// reverts to pending until the new prerequisite also completes. A no-op
// if prereqID is already listed as a prerequisite of taskID.
func (g *Graph) AddDependency(ctx context.Context, taskID, prereqID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[taskID]
	if !ok {
		return fmt.Errorf("graph: unknown task %s", taskID)
	}
	pn, ok := g.nodes[prereqID]
	if !ok {
		return model.ErrUnknownPrereq
	}
	if prereqID == taskID {
		g.cyclesCount.Add(ctx, 1)
		return model.ErrCycleDetected
	}
	for _, pid := range n.prereqIDs {
		if pid == prereqID {
			return nil
		}
	}
	if n.task.State.Terminal() {
		return fmt.Errorf("graph: cannot add prerequisite to terminal task %s", taskID)
	}

	if g.canReach(taskID, prereqID) {
		g.cyclesCount.Add(ctx, 1)
		return model.ErrCycleDetected
	}

	n.prereqIDs = append(n.prereqIDs, prereqID)
	n.task.PrereqIDs = append(n.task.PrereqIDs, prereqID)
	pn.dependents = append(pn.dependents, taskID)
	if pn.task.State != model.TaskSucceeded {
		n.remainingPrereqs++
		if n.task.State == model.TaskReady {
			n.task.State = model.TaskPending
		}
	}
	return nil
}

// MarkSucceeded records that id completed successfully and returns the IDs
// of any dependents that became ready as a result.
func (g *Graph) MarkSucceeded(ctx context.Context, id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("graph: unknown task %s", id)
	}
	n.task.State = model.TaskSucceeded

	var newlyReady []string
	for _, depID := range n.dependents {
		dep := g.nodes[depID]
		if dep == nil || dep.task.State.Terminal() {
			continue
		}
		dep.remainingPrereqs--
		if dep.remainingPrereqs <= 0 && dep.task.State == model.TaskPending {
			dep.task.State = model.TaskReady
			newlyReady = append(newlyReady, depID)
			g.readyCounter.Add(ctx, 1)
		}
	}
	return newlyReady, nil
}

// MarkFailedPermanent records that id failed with no further retries and
// transitively cancels every non-terminal dependent, returning their IDs.
func (g *Graph) MarkFailedPermanent(ctx context.Context, id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("graph: unknown task %s", id)
	}
	n.task.State = model.TaskFailed
	return g.cancelDependentsLocked(id, fmt.Sprintf("prerequisite %s failed permanently", id)), nil
}

// Cancel marks id itself cancelled and transitively cancels every
// non-terminal dependent, returning the dependents' IDs. Unlike
// MarkFailedPermanent (used when a task exhausts its retries and ends in
// "failed"), this is for an explicit cancellation request against id
// itself, which must end in "cancelled" (spec §3/§4.6, scenario S5). A
// task already in a terminal state is left untouched and reports no
// newly-cancelled dependents.
func (g *Graph) Cancel(ctx context.Context, id, reason string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("graph: unknown task %s", id)
	}
	if n.task.State.Terminal() {
		return nil, nil
	}
	n.task.State = model.TaskCancelled
	n.task.CancelCause = reason
	return g.cancelDependentsLocked(id, fmt.Sprintf("prerequisite %s was cancelled", id)), nil
}

// cancelDependentsLocked transitively cancels every non-terminal
// dependent reachable from id, tagging each with cancelCause. Shared by
// MarkFailedPermanent and Cancel, which differ only in what happens to id
// itself and in the cancellation reason recorded on its dependents.
func (g *Graph) cancelDependentsLocked(id, cancelCause string) []string {
	var cancelled []string
	queue := append([]string(nil), g.nodes[id].dependents...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		dn := g.nodes[cur]
		if dn == nil || dn.task.State.Terminal() {
			continue
		}
		dn.task.State = model.TaskCancelled
		dn.task.CancelCause = cancelCause
		cancelled = append(cancelled, cur)
		queue = append(queue, dn.dependents...)
	}
	return cancelled
}

// ReadySet returns the IDs of all tasks currently in the ready state.
func (g *Graph) ReadySet() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ready []string
	for id, n := range g.nodes {
		if n.task.State == model.TaskReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// ExecutionOrder returns a topological ordering of all non-terminal tasks
// via Kahn's algorithm, the same technique the teacher's buildDAG/
// executeDAG pair uses for scheduling.
func (g *Graph) ExecutionOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		if n.task.State.Terminal() {
			continue
		}
		inDegree[id] = n.remainingPrereqs
	}
	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, dep := range g.nodes[cur].dependents {
			if _, ok := inDegree[dep]; !ok {
				continue
			}
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order
}

// CriticalPath returns the task IDs on the longest path by estimated
// duration through the graph, used to surface scheduling-risk diagnostics.
func (g *Graph) CriticalPath() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	order := g.executionOrderLocked()
	longest := make(map[string]int64, len(order))
	prev := make(map[string]string, len(order))

	for _, id := range order {
		n := g.nodes[id]
		best := n.task.EstimatedMs
		for _, pid := range n.prereqIDs {
			if _, ok := g.nodes[pid]; ok {
				if cand := longest[pid] + n.task.EstimatedMs; cand > best {
					best = cand
					prev[id] = pid
				}
			}
		}
		longest[id] = best
	}

	var tailID string
	var tailVal int64 = -1
	for id, v := range longest {
		if v > tailVal {
			tailVal = v
			tailID = id
		}
	}
	if tailID == "" {
		return nil
	}
	var path []string
	for cur := tailID; cur != ""; {
		path = append([]string{cur}, path...)
		cur = prev[cur]
	}
	return path
}

func (g *Graph) executionOrderLocked() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.prereqIDs)
	}
	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, dep := range g.nodes[cur].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order
}

// Remove deletes a terminal task from the graph and garbage-collects it from
// its prerequisites' dependent lists. Removing a non-terminal task is
// rejected to avoid leaving dangling readiness counts.
func (g *Graph) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("graph: unknown task %s", id)
	}
	if !n.task.State.Terminal() {
		return fmt.Errorf("graph: cannot remove non-terminal task %s", id)
	}
	g.removeLocked(id)
	return nil
}

func (g *Graph) removeLocked(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, pid := range n.prereqIDs {
		if p, ok := g.nodes[pid]; ok {
			p.dependents = removeString(p.dependents, id)
		}
	}
	delete(g.nodes, id)
}

func removeString(s []string, target string) []string {
	out := s[:0]
	for _, v := range s {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// Get returns the task stored for id, if present.
func (g *Graph) Get(id string) (*model.Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.task, true
}

// Len returns the number of nodes currently tracked.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// DependentCount returns the number of tasks that list id as a
// prerequisite, for feeding the Queue's dependent-count score bonus
// (spec §4.3 factor 2). Returns 0 for an unknown id.
func (g *Graph) DependentCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return 0
	}
	return len(n.dependents)
}

// AllIDs returns every task id currently tracked, terminal or not, in no
// particular order. Unlike ExecutionOrder (which only sequences the live
// frontier for dispatch planning), this is for enumeration use cases like
// the Submission API's list operation that must also surface finished work.
func (g *Graph) AllIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}
