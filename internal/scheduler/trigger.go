package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskmesh/internal/model"
)

// TaskFactory builds a fresh task and its prerequisite IDs for one firing of
// a recurring schedule. Called on every tick, so implementations should
// generate a new task ID each time.
type TaskFactory func() (*model.Task, []string)

// ScheduleConfig describes one cron-triggered recurring submission, adapted
// from the teacher's ScheduleConfig (services/orchestrator/scheduler.go),
// generalized from "run this workflow on a cron spec" to "submit a
// factory-built task on a cron spec".
type ScheduleConfig struct {
	Name    string
	CronExpr string
	Factory TaskFactory
}

// TriggerEvent is an external occurrence (e.g. a webhook or upstream system
// signal) that may cause one or more tasks to be submitted, mirroring the
// teacher's TriggerEvent/EventHandler pair.
type TriggerEvent struct {
	Name    string
	Payload map[string]interface{}
}

// EventHandler reacts to a matching TriggerEvent by producing a task to
// submit.
type EventHandler func(ctx context.Context, evt TriggerEvent) (*model.Task, []string, error)

type eventBinding struct {
	eventName string
	handler   EventHandler
}

// Trigger wraps a cron scheduler and an event-handler registry, both of
// which submit onto the same Scheduler. It is a thin layer above Scheduler
// so that recurring/templated submission is opt-in and does not complicate
// the core dispatch loop.
type Trigger struct {
	mu        sync.Mutex
	sched     *Scheduler
	cronRunner *cron.Cron
	entries   map[string]cron.EntryID
	bindings  []eventBinding
}

// NewTrigger constructs a Trigger bound to sched. The cron runner is created
// but not started until Start is called.
func NewTrigger(sched *Scheduler) *Trigger {
	return &Trigger{
		sched:      sched,
		cronRunner: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		entries: make(map[string]cron.EntryID),
	}
}

// AddSchedule registers cfg's cron expression, submitting a freshly built
// task to the Scheduler on every firing. Returns an error if cfg.CronExpr is
// malformed or cfg.Name is already registered.
func (t *Trigger) AddSchedule(ctx context.Context, cfg ScheduleConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[cfg.Name]; exists {
		return fmt.Errorf("scheduler: schedule %s already registered", cfg.Name)
	}
	id, err := t.cronRunner.AddFunc(cfg.CronExpr, func() {
		task, prereqs := cfg.Factory()
		if err := t.sched.Submit(ctx, task, prereqs); err != nil {
			slog.Error("scheduled submission failed", "schedule", cfg.Name, "task", task.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: parse cron expr for %s: %w", cfg.Name, err)
	}
	t.entries[cfg.Name] = id
	return nil
}

// RemoveSchedule cancels a previously registered schedule by name.
func (t *Trigger) RemoveSchedule(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.entries[name]
	if !ok {
		return false
	}
	t.cronRunner.Remove(id)
	delete(t.entries, name)
	return true
}

// ListSchedules returns the names of all currently registered schedules.
func (t *Trigger) ListSchedules() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	return names
}

// RegisterEventHandler binds handler to fire whenever a TriggerEvent named
// eventName is delivered via Fire.
func (t *Trigger) RegisterEventHandler(eventName string, handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings = append(t.bindings, eventBinding{eventName: eventName, handler: handler})
}

// Fire delivers evt to every handler registered for evt.Name, submitting
// whatever task each handler produces. A handler returning a nil task is
// treated as "declined to submit" rather than an error.
func (t *Trigger) Fire(ctx context.Context, evt TriggerEvent) error {
	t.mu.Lock()
	matching := make([]EventHandler, 0, len(t.bindings))
	for _, b := range t.bindings {
		if b.eventName == evt.Name {
			matching = append(matching, b.handler)
		}
	}
	t.mu.Unlock()

	for _, h := range matching {
		task, prereqs, err := h(ctx, evt)
		if err != nil {
			return fmt.Errorf("scheduler: event handler for %s failed: %w", evt.Name, err)
		}
		if task == nil {
			continue
		}
		if err := t.sched.Submit(ctx, task, prereqs); err != nil {
			return fmt.Errorf("scheduler: submit from event %s: %w", evt.Name, err)
		}
	}
	return nil
}

// Start begins running registered cron schedules.
func (t *Trigger) Start() { t.cronRunner.Start() }

// Stop halts the cron runner, blocking until in-flight firings finish.
func (t *Trigger) Stop() { <-t.cronRunner.Stop().Done() }
