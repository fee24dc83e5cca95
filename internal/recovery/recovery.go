// Package recovery is the C8 Recovery Manager: periodic snapshotting of
// checkpoint metadata plus the crash-recovery procedure that rebuilds the
// in-memory dependency graph from the durable store's task records and
// returns half-open provider breakers to open on process start (spec §4.8). It follows the teacher's
// cancellation/recovery pairing in services/orchestrator — a background
// loop plus an on-demand procedure, both operating through the same
// collaborators the Scheduler uses — generalized from "resume a single
// workflow execution" to "rebuild the whole task graph's transient state".
package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/graph"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/providers"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store"
)

// Report summarizes what a Recover call did, for startup logging and tests.
type Report struct {
	TasksLoaded       int
	RevertedRunning   int
	CancelledOrphans  int
	ResumeFromSeq     uint64
	ProvidersReopened bool
}

// Manager owns periodic checkpointing and the startup recovery procedure.
type Manager struct {
	store     *store.Store
	graph     *graph.Graph
	providers *providers.Registry

	checkpoints metric.Int64Counter
	recoveries  metric.Int64Counter
}

// New constructs a Manager over the given collaborators.
func New(st *store.Store, g *graph.Graph, reg *providers.Registry) *Manager {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	checkpoints, _ := meter.Int64Counter("taskmesh_recovery_checkpoints_total")
	recoveries, _ := meter.Int64Counter("taskmesh_recovery_runs_total")
	return &Manager{store: st, graph: g, providers: reg, checkpoints: checkpoints, recoveries: recoveries}
}

// Recover runs the startup recovery procedure described by spec §4.8:
//  1. load the latest snapshot, if any, to learn the last checkpointed
//     sequence number (a corrupt latest snapshot is logged and skipped, with
//     no fallback to an older one, rather than treated as fatal, since the task records themselves are the source of
//     truth for graph reconstruction);
//  2. enumerate every durably persisted task record and reinsert it into the
//     dependency graph, reverting any task caught mid-flight (running or
//     assigned) back to ready and incrementing its retry count, since the
//     work it was doing is assumed lost and counts as a failed attempt
//     (spec §4.8 step 3, scenario S4);
//  3. force every provider whose breaker was left half-open back to open,
//     so a crash during a cautious recovery probe does not look like a
//     clean bill of health.
//
// Recover does not touch the worker pool or result cache: both start empty
// and are repopulated by workers re-registering and by cache misses, which
// is safe since neither holds information not re-derivable from a task's
// next run.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	var report Report

	snap, err := m.store.LoadLatestSnapshot(ctx)
	if err != nil {
		slog.Warn("recovery: snapshot unreadable, falling back to full task scan", "error", err)
	} else if snap != nil {
		report.ResumeFromSeq = snap.Seq
	}

	keys, err := m.store.ListKeys(ctx, scheduler.TaskKeyPrefix)
	if err != nil {
		return report, err
	}

	byID := make(map[string]*model.Task, len(keys))
	order := make([]string, 0, len(keys))
	for _, key := range keys {
		data, found, err := m.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var task model.Task
		if err := json.Unmarshal(data, &task); err != nil {
			slog.Warn("recovery: skipping unreadable task record", "key", key, "error", err)
			continue
		}
		id := strings.TrimPrefix(key, scheduler.TaskKeyPrefix)
		t := task
		byID[id] = &t
		order = append(order, id)
	}

	// Insert in dependency-safe order: a task can only be reinserted once
	// every prerequisite it references is already present in the graph, so
	// repeatedly sweep the pending set until it stops shrinking.
	inserted := make(map[string]bool, len(order))
	for progress := true; progress; {
		progress = false
		for _, id := range order {
			if inserted[id] {
				continue
			}
			task := byID[id]
			ready := true
			for _, pid := range task.PrereqIDs {
				if _, known := byID[pid]; known && !inserted[pid] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if task.State == model.TaskRunning || task.State == model.TaskAssigned {
				task.State = model.TaskPending
				task.AssignedWorker = ""
				task.AssignedProvider = ""
				task.RetryCount++
				report.RevertedRunning++
			}
			restoreState := task.State
			if err := m.graph.Insert(ctx, task, task.PrereqIDs); err != nil {
				slog.Warn("recovery: could not reinsert task", "task", id, "error", err)
				inserted[id] = true
				progress = true
				continue
			}
			// Insert always leaves a task ready or pending based on its own
			// prerequisite states; a task whose persisted record says it had
			// already reached a terminal outcome keeps that outcome rather
			// than being rescheduled. Insert handed back the very same *Task
			// pointer it stored in the graph node, so this assignment is
			// visible to the graph without needing a dedicated graph method.
			if restoreState.Terminal() {
				task.State = restoreState
			}
			inserted[id] = true
			report.TasksLoaded++
			progress = true
		}
	}
	for _, id := range order {
		if !inserted[id] {
			report.CancelledOrphans++
		}
	}

	m.providers.ForceOpenAll()
	report.ProvidersReopened = true

	m.recoveries.Add(ctx, 1)
	slog.Info("recovery complete",
		"tasks_loaded", report.TasksLoaded,
		"reverted_running", report.RevertedRunning,
		"orphans_skipped", report.CancelledOrphans,
		"resume_from_seq", report.ResumeFromSeq,
	)
	return report, nil
}

// Checkpoint persists a lightweight snapshot recording the current event-log
// sequence, so a future Recover call knows where the durable task records
// were last known consistent as of.
func (m *Manager) Checkpoint(ctx context.Context) error {
	lastSeq, err := m.store.LastSeq()
	if err != nil {
		return err
	}
	if err := m.store.WriteSnapshot(ctx, "recovery", lastSeq, map[string][]byte{}); err != nil {
		return err
	}
	m.checkpoints.Add(ctx, 1)
	return nil
}

// StartCheckpointLoop runs Checkpoint every interval until the returned
// function is called to stop it.
func (m *Manager) StartCheckpointLoop(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.Checkpoint(context.Background()); err != nil {
					slog.Error("recovery checkpoint failed", "error", err)
				}
			}
		}
	}()
	return func() { close(stop) }
}
