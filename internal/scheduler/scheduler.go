// Package scheduler is the C6 Scheduler: the central loop that matches
// ready tasks to workers and providers, enforces retry/backoff and
// cancellation policy, and checkpoints progress (spec §4.6). Its shape —
// a submit/trigger entrypoint plus a background loop driving a
// collaborator interface, with metrics and tracing wrapping every step —
// follows the teacher's Scheduler (services/orchestrator/scheduler.go),
// generalized from "run a cron/event-triggered workflow DAG to completion"
// to "continuously match the ready frontier of a long-lived task graph to
// available capacity".
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/dispatch"
	"github.com/swarmguard/taskmesh/internal/eventbus"
	"github.com/swarmguard/taskmesh/internal/graph"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/providers"
	"github.com/swarmguard/taskmesh/internal/queue"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/workerpool"
)

// Dispatcher is the external collaborator that actually executes a task
// against a reserved worker and selected provider. Production wiring points
// this at the real agent/LLM invocation path; tests substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.Task, worker model.Worker, provider model.Provider) ([]byte, error)
}

// Config holds the Scheduler's tunable policy knobs (spec §6).
type Config struct {
	ShardCount      int
	ShardIndex      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	CheckpointEvery time.Duration
	TickInterval    time.Duration
	CostMode        string
	// DispatchTimeout bounds a single dispatch attempt (spec §5: "every
	// dispatch carries a deadline"), independent of the Dispatcher's own
	// configured client timeout. Defaults to 30s when unset.
	DispatchTimeout time.Duration
}

// Scheduler wires the graph, queue, provider registry, worker pool, event
// bus, and durable store into a single dispatch loop.
type Scheduler struct {
	cfg        Config
	graph      *graph.Graph
	queue      *queue.Queue
	pool       *workerpool.Pool
	providers  *providers.Registry
	store      *store.Store
	bus        *eventbus.Bus
	cache      *graph.ResultCache
	dispatcher Dispatcher
	cancelMgr  *CancellationManager

	stop        chan struct{}
	wg          sync.WaitGroup
	cleanupStop func()

	dispatches   metric.Int64Counter
	retries      metric.Int64Counter
	permFailures metric.Int64Counter
	checkpoints  metric.Int64Counter
}

// New constructs a Scheduler. dispatcher may be swapped in tests.
func New(cfg Config, g *graph.Graph, q *queue.Queue, pool *workerpool.Pool, reg *providers.Registry, st *store.Store, bus *eventbus.Bus, cache *graph.ResultCache, dispatcher Dispatcher) *Scheduler {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	dispatches, _ := meter.Int64Counter("taskmesh_scheduler_dispatches_total")
	retries, _ := meter.Int64Counter("taskmesh_scheduler_retries_total")
	permFailures, _ := meter.Int64Counter("taskmesh_scheduler_permanent_failures_total")
	checkpoints, _ := meter.Int64Counter("taskmesh_scheduler_checkpoints_total")
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	return &Scheduler{
		cfg:          cfg,
		graph:        g,
		queue:        q,
		pool:         pool,
		providers:    reg,
		store:        st,
		bus:          bus,
		cache:        cache,
		dispatcher:   dispatcher,
		cancelMgr:    NewCancellationManager(),
		stop:         make(chan struct{}),
		dispatches:   dispatches,
		retries:      retries,
		permFailures: permFailures,
		checkpoints:  checkpoints,
	}
}

// TaskKeyPrefix namespaces task records in the durable KV store, letting the
// Recovery Manager enumerate every known task via store.ListKeys without the
// event log needing to carry full task payloads on every transition.
const TaskKeyPrefix = "task:"

// TaskKey returns the durable KV key under which taskID's current record is
// stored; exported so the Recovery Manager can share the same convention.
func TaskKey(taskID string) string { return TaskKeyPrefix + taskID }

func (s *Scheduler) persistTask(ctx context.Context, task *model.Task) {
	data, err := json.Marshal(task)
	if err != nil {
		slog.Error("marshal task for persistence failed", "task", task.ID, "error", err)
		return
	}
	if err := s.store.Put(ctx, TaskKey(task.ID), data); err != nil {
		slog.Error("persist task failed", "task", task.ID, "error", err)
	}
}

// ownsShard reports whether taskID's hash falls on this scheduler
// instance's shard, supporting the horizontal sharding scheme of spec §5.
func (s *Scheduler) ownsShard(taskID string) bool {
	if s.cfg.ShardCount <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return int(h.Sum32()%uint32(s.cfg.ShardCount)) == s.cfg.ShardIndex
}

// Submit inserts task into the dependency graph and, if immediately ready,
// enqueues it. Validation errors from the graph (duplicate, unknown
// prerequisite, cycle) are returned unchanged per spec §7.1.
func (s *Scheduler) Submit(ctx context.Context, task *model.Task, prereqIDs []string) error {
	if task.State == "" {
		task.State = model.TaskPending
	}
	task.SubmittedAt = time.Now()
	task.PrereqIDs = append([]string(nil), prereqIDs...)

	if err := s.graph.Insert(ctx, task, prereqIDs); err != nil {
		return err
	}
	s.appendEvent(ctx, model.EventTaskSubmitted, task.ID, map[string]interface{}{
		"department": task.Department, "priority": string(task.Priority),
	})

	// A newly submitted task is itself a new dependent of each of its
	// prerequisites; if any of them is already sitting in the queue, its
	// dependent-count score bonus (spec §4.3 factor 2) needs to reflect
	// that right away rather than waiting for the next periodic rescore.
	for _, pid := range prereqIDs {
		s.queue.UpdateDependentCount(pid, s.graph.DependentCount(pid))
	}

	if task.State == model.TaskReady {
		s.enqueueReady(ctx, task)
	} else {
		s.persistTask(ctx, task)
	}
	return nil
}

func (s *Scheduler) enqueueReady(ctx context.Context, task *model.Task) {
	task.ReadyAt = time.Now()
	s.queue.Push(&queue.Item{
		TaskID:         task.ID,
		Priority:       task.Priority,
		SubmittedAt:    task.SubmittedAt,
		ReadyAt:        task.ReadyAt,
		DependentCount: s.graph.DependentCount(task.ID),
		Deadline:       task.Deadline,
	})
	s.appendEvent(ctx, model.EventTaskReady, task.ID, nil)
	s.persistTask(ctx, task)
}

// Cancel marks taskID itself cancelled (not failed) and transitively
// cancels its unstarted dependents, per spec §3/§4.6/scenario S5.
func (s *Scheduler) Cancel(ctx context.Context, taskID, reason string) error {
	if err := s.cancelMgr.Cancel(taskID, reason); err != nil {
		return err
	}
	s.queue.Remove(taskID)
	cancelled, err := s.graph.Cancel(ctx, taskID, reason)
	if err != nil {
		return err
	}
	if task, ok := s.graph.Get(taskID); ok {
		s.persistTask(ctx, task)
	}
	s.appendEvent(ctx, model.EventTaskCancelled, taskID, map[string]interface{}{"reason": reason})
	for _, id := range cancelled {
		s.queue.Remove(id)
		s.appendEvent(ctx, model.EventTaskCancelled, id, map[string]interface{}{"reason": "prerequisite cancelled"})
		if t, ok := s.graph.Get(id); ok {
			s.persistTask(ctx, t)
		}
	}
	s.cancelMgr.Finalize(taskID)
	return nil
}

// Start launches the dispatch, checkpoint, and housekeeping loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.dispatchLoop(ctx)
	s.wg.Add(1)
	go s.checkpointLoop(ctx)
	s.cleanupStop = s.cancelMgr.StartCleanupLoop(time.Hour, 24*time.Hour)
}

// StopAndWait signals all loops to exit and blocks until they do.
func (s *Scheduler) StopAndWait() {
	close(s.stop)
	if s.cleanupStop != nil {
		s.cleanupStop()
	}
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.providers.Tick(time.Now())
			s.pool.DecayLoad(time.Now())
			s.tryDispatchOne(ctx)
		}
	}
}

func (s *Scheduler) tryDispatchOne(ctx context.Context) {
	item, ok := s.queue.Peek()
	if !ok || !s.ownsShard(item.TaskID) {
		return
	}

	task, ok := s.graph.Get(item.TaskID)
	if !ok || task.State != model.TaskReady {
		s.queue.Remove(item.TaskID)
		return
	}

	worker, err := s.pool.Reserve(ctx, task.Capabilities)
	if err != nil {
		return
	}
	provider, err := s.providers.Select(ctx, task.Capabilities, task.CostMode)
	if err != nil {
		s.pool.Release(ctx, worker.ID, true, 0)
		return
	}

	s.queue.Remove(item.TaskID)
	task.State = model.TaskAssigned
	task.AssignedWorker = worker.ID
	task.AssignedProvider = provider.ID
	s.appendEvent(ctx, model.EventTaskAssigned, task.ID, map[string]interface{}{
		"worker": worker.ID, "provider": provider.ID,
	})
	s.persistTask(ctx, task)

	s.wg.Add(1)
	go s.execute(ctx, task, *worker, *provider)
}

func (s *Scheduler) execute(ctx context.Context, task *model.Task, worker model.Worker, provider model.Provider) {
	defer s.wg.Done()

	task.State = model.TaskRunning
	start := time.Now()

	var output []byte
	var err error
	cacheKey := ""
	if task.Cacheable {
		cacheKey = graph.CacheKey(task)
		if cached, found := s.cache.Get(cacheKey); found {
			output = cached.Output
		}
	}
	if output == nil {
		timeout := s.cfg.DispatchTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err = s.dispatcher.Dispatch(dispatchCtx, *task, worker, provider)
		cancel()
	}
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		s.pool.Release(ctx, worker.ID, false, latencyMs)
		s.providers.RecordFailure(ctx, provider.ID)
		s.handleFailure(ctx, task, err)
		return
	}

	if task.Cacheable && cacheKey != "" {
		s.cache.Put(cacheKey, output)
	}
	s.pool.Release(ctx, worker.ID, true, latencyMs)
	s.providers.RecordSuccess(provider.ID, int64(len(output)), latencyMs)
	s.dispatches.Add(ctx, 1)

	newlyReady, err := s.graph.MarkSucceeded(ctx, task.ID)
	if err != nil {
		slog.Error("mark succeeded failed", "task", task.ID, "error", err)
		return
	}
	s.appendEvent(ctx, model.EventTaskCompleted, task.ID, map[string]interface{}{"duration_ms": latencyMs})
	s.persistTask(ctx, task)
	for _, id := range newlyReady {
		if rt, ok := s.graph.Get(id); ok {
			s.enqueueReady(ctx, rt)
		}
	}
}

func (s *Scheduler) handleFailure(ctx context.Context, task *model.Task, failure error) {
	kind := model.ErrorKindTransientProvider
	var de *dispatch.DispatchError
	if errors.As(failure, &de) {
		kind = de.Kind
	}
	if task.RetryCount < task.MaxRetries && kind.Retryable() {
		task.RetryCount++
		task.LastErrorKind = string(kind)
		task.LastErrorTrace = model.TruncateTrace(failure.Error())
		delay := resilience.Backoff(s.cfg.RetryBaseDelay, task.RetryCount, s.cfg.RetryMaxDelay)
		s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
		s.appendEvent(ctx, model.EventTaskRetried, task.ID, map[string]interface{}{
			"attempt": task.RetryCount, "delay_ms": delay.Milliseconds(),
		})
		task.State = model.TaskReady
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-time.After(delay):
				s.enqueueReady(ctx, task)
			case <-s.stop:
			}
		}()
		return
	}

	task.LastErrorKind = string(kind)
	task.LastErrorTrace = model.TruncateTrace(failure.Error())
	s.permFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
	cancelled, err := s.graph.MarkFailedPermanent(ctx, task.ID)
	if err != nil {
		slog.Error("mark failed permanent error", "task", task.ID, "error", err)
	}
	s.appendEvent(ctx, model.EventTaskFailed, task.ID, map[string]interface{}{"error": task.LastErrorTrace})
	s.persistTask(ctx, task)
	for _, id := range cancelled {
		s.queue.Remove(id)
		s.appendEvent(ctx, model.EventTaskCancelled, id, map[string]interface{}{"reason": "prerequisite failed permanently"})
		if t, ok := s.graph.Get(id); ok {
			s.persistTask(ctx, t)
		}
	}
}

func (s *Scheduler) checkpointLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.CheckpointEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkpoint(ctx)
		}
	}
}

func (s *Scheduler) checkpoint(ctx context.Context) {
	lastSeq, err := s.store.LastSeq()
	if err != nil {
		slog.Error("checkpoint: read last seq", "error", err)
		return
	}
	state := map[string][]byte{}
	if err := s.store.WriteSnapshot(ctx, "scheduler", lastSeq, state); err != nil {
		slog.Error("checkpoint: write snapshot", "error", err)
		return
	}
	s.checkpoints.Add(ctx, 1)
	s.appendEvent(ctx, model.EventCheckpointWritten, "", map[string]interface{}{"seq": lastSeq})
}

func (s *Scheduler) appendEvent(ctx context.Context, t model.EventType, taskID string, body map[string]interface{}) {
	if body == nil {
		body = map[string]interface{}{}
	}
	if taskID != "" {
		body["task_id"] = taskID
	}
	evt := model.Event{Timestamp: time.Now(), Type: t, Body: body}
	seq, err := s.store.Append(ctx, evt)
	if err != nil {
		slog.Error("append event failed", "type", t, "error", err)
		return
	}
	evt.Seq = seq
	s.bus.Publish(ctx, evt)
}
