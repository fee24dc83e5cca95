// Package metrics is the C9 Metrics Aggregator: a pure observer of the
// Event Bus that maintains per-worker, per-provider, and per-department
// rollups plus system-wide queue depth, success rate, and average wait
// time, emitting alert events when configured thresholds are crossed (spec
// §4.9). It never calls back into the scheduler, graph, queue, or registries
// it describes — by design, a failure here can never affect scheduling. It
// also exposes the rollups through a Prometheus pull endpoint via
// client_golang, complementing the push-based OTLP pipeline the rest of the
// system uses, the way the teacher's main.go reserves a promHandler slot for
// exactly this purpose.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/swarmguard/taskmesh/internal/eventbus"
	"github.com/swarmguard/taskmesh/internal/model"
)

// Thresholds configures the alert conditions spec §4.9 names as examples.
type Thresholds struct {
	ProviderCostBudgetFraction float64 // e.g. 0.9 of daily budget
	QueueDepthMax              int64
	SuccessRateMin             float64
}

// DefaultThresholds mirrors the examples given in spec §4.9 verbatim.
func DefaultThresholds() Thresholds {
	return Thresholds{ProviderCostBudgetFraction: 0.9, QueueDepthMax: 1000, SuccessRateMin: 0.8}
}

type workerRollup struct {
	completed    int64
	failed       int64
	totalLatency float64
}

type providerRollup struct {
	requests int64
	failures int64
	tokens   int64
	budget   int64
}

type departmentRollup struct {
	submitted int64
	succeeded int64
	failed    int64
}

type pendingTask struct {
	department  string
	submittedAt time.Time
	assignedAt  time.Time
	worker      string
	provider    string
}

// Snapshot is a read-only view of the aggregator's current rollups, per
// spec §4.9's "read-only snapshot interface".
type Snapshot struct {
	QueueDepth     int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalCancelled int64
	SuccessRate    float64
	AvgWaitMs      float64
	PerWorker      map[string]WorkerStats
	PerProvider    map[string]ProviderStats
	PerDepartment  map[string]DepartmentStats
}

// WorkerStats is one worker's public rollup.
type WorkerStats struct {
	Completed    int64
	Failed       int64
	AvgLatencyMs float64
}

// ProviderStats is one provider's public rollup.
type ProviderStats struct {
	Requests int64
	Failures int64
	Tokens   int64
}

// DepartmentStats is one department's public rollup.
type DepartmentStats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
}

// Aggregator consumes events from the bus and maintains in-memory rollups.
type Aggregator struct {
	mu sync.Mutex

	perWorker     map[string]*workerRollup
	perProvider   map[string]*providerRollup
	perDepartment map[string]*departmentRollup
	pending       map[string]*pendingTask

	queueDepth     int64
	totalSucceeded int64
	totalFailed    int64
	totalCancelled int64
	totalWaitMs    float64
	waitSamples    int64

	thresholds Thresholds
	alertBus   *eventbus.Bus

	promQueueDepth  prometheus.Gauge
	promSuccessRate prometheus.Gauge
	promAlerts      *prometheus.CounterVec
}

// New constructs an Aggregator. alertBus is used to publish alert.triggered
// events; registry is the Prometheus registry to expose rollups through
// (typically prometheus.NewRegistry(), not the global DefaultRegisterer, so
// tests and multiple instances don't collide).
func New(thresholds Thresholds, alertBus *eventbus.Bus, registry *prometheus.Registry) *Aggregator {
	a := &Aggregator{
		perWorker:     make(map[string]*workerRollup),
		perProvider:   make(map[string]*providerRollup),
		perDepartment: make(map[string]*departmentRollup),
		pending:       make(map[string]*pendingTask),
		thresholds:    thresholds,
		alertBus:      alertBus,
		promQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmesh_queue_depth", Help: "Current number of ready tasks awaiting dispatch.",
		}),
		promSuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmesh_success_rate", Help: "Fraction of completed tasks that succeeded.",
		}),
		promAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_alerts_total", Help: "Alert events emitted by kind.",
		}, []string{"kind"}),
	}
	if registry != nil {
		registry.MustRegister(a.promQueueDepth, a.promSuccessRate, a.promAlerts)
	}
	return a
}

// Run subscribes to every event on bus and processes them until ctx is
// cancelled. Intended to be launched in its own goroutine.
func (a *Aggregator) Run(ctx context.Context, bus *eventbus.Bus) {
	ch, cancel := bus.Subscribe(nil, 1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			a.handle(ctx, evt)
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("metrics aggregator recovered from panic processing event", "event_type", evt.Type, "panic", r)
		}
	}()

	taskID, _ := evt.Body["task_id"].(string)

	switch evt.Type {
	case model.EventTaskSubmitted:
		dept, _ := evt.Body["department"].(string)
		a.mu.Lock()
		a.pending[taskID] = &pendingTask{department: dept, submittedAt: evt.Timestamp}
		a.deptRollup(dept).submitted++
		a.mu.Unlock()

	case model.EventTaskReady:
		a.mu.Lock()
		a.queueDepth++
		a.promQueueDepth.Set(float64(a.queueDepth))
		a.mu.Unlock()
		a.checkQueueDepth(ctx)

	case model.EventTaskAssigned:
		worker, _ := evt.Body["worker"].(string)
		provider, _ := evt.Body["provider"].(string)
		a.mu.Lock()
		if a.queueDepth > 0 {
			a.queueDepth--
			a.promQueueDepth.Set(float64(a.queueDepth))
		}
		if p, ok := a.pending[taskID]; ok {
			p.worker = worker
			p.provider = provider
			p.assignedAt = evt.Timestamp
		}
		a.mu.Unlock()

	case model.EventTaskCompleted:
		durationMs, _ := evt.Body["duration_ms"].(float64)
		a.mu.Lock()
		p := a.pending[taskID]
		if p != nil {
			if !p.submittedAt.IsZero() {
				a.totalWaitMs += evt.Timestamp.Sub(p.submittedAt).Seconds() * 1000
				a.waitSamples++
			}
			if p.worker != "" {
				wr := a.workerRollup(p.worker)
				wr.completed++
				wr.totalLatency += durationMs
			}
			if p.provider != "" {
				a.providerRollup(p.provider).requests++
			}
			a.deptRollup(p.department).succeeded++
			delete(a.pending, taskID)
		}
		a.totalSucceeded++
		a.mu.Unlock()
		a.checkSuccessRate(ctx)

	case model.EventTaskFailed:
		a.mu.Lock()
		p := a.pending[taskID]
		if p != nil {
			if p.worker != "" {
				a.workerRollup(p.worker).failed++
			}
			if p.provider != "" {
				a.providerRollup(p.provider).failures++
			}
			a.deptRollup(p.department).failed++
			delete(a.pending, taskID)
		}
		a.totalFailed++
		a.mu.Unlock()
		a.checkSuccessRate(ctx)

	case model.EventTaskCancelled:
		a.mu.Lock()
		delete(a.pending, taskID)
		a.totalCancelled++
		a.mu.Unlock()
	}
}

func (a *Aggregator) workerRollup(id string) *workerRollup {
	r, ok := a.perWorker[id]
	if !ok {
		r = &workerRollup{}
		a.perWorker[id] = r
	}
	return r
}

func (a *Aggregator) providerRollup(id string) *providerRollup {
	r, ok := a.perProvider[id]
	if !ok {
		r = &providerRollup{}
		a.perProvider[id] = r
	}
	return r
}

func (a *Aggregator) deptRollup(name string) *departmentRollup {
	r, ok := a.perDepartment[name]
	if !ok {
		r = &departmentRollup{}
		a.perDepartment[name] = r
	}
	return r
}

// RecordProviderBudget lets the Provider Registry's owner push daily budget
// and consumption figures for cost-threshold alerting, since that
// information lives in the registry rather than in any event the bus
// carries. This is the one piece of state the aggregator cannot derive
// purely from events.
func (a *Aggregator) RecordProviderBudget(ctx context.Context, providerID string, consumed, budget int64) {
	a.mu.Lock()
	r := a.providerRollup(providerID)
	r.tokens = consumed
	r.budget = budget
	a.mu.Unlock()
	a.checkProviderBudget(ctx, providerID, consumed, budget)
}

func (a *Aggregator) checkQueueDepth(ctx context.Context) {
	a.mu.Lock()
	depth := a.queueDepth
	a.mu.Unlock()
	if a.thresholds.QueueDepthMax > 0 && depth > a.thresholds.QueueDepthMax {
		a.emitAlert(ctx, "queue_depth", map[string]interface{}{"depth": depth, "max": a.thresholds.QueueDepthMax})
	}
}

func (a *Aggregator) checkSuccessRate(ctx context.Context) {
	a.mu.Lock()
	total := a.totalSucceeded + a.totalFailed
	var rate float64 = 1
	if total > 0 {
		rate = float64(a.totalSucceeded) / float64(total)
	}
	a.promSuccessRate.Set(rate)
	a.mu.Unlock()
	if total >= 10 && rate < a.thresholds.SuccessRateMin {
		a.emitAlert(ctx, "success_rate", map[string]interface{}{"rate": rate, "min": a.thresholds.SuccessRateMin})
	}
}

func (a *Aggregator) checkProviderBudget(ctx context.Context, providerID string, consumed, budget int64) {
	if budget <= 0 {
		return
	}
	frac := float64(consumed) / float64(budget)
	if frac >= a.thresholds.ProviderCostBudgetFraction {
		a.emitAlert(ctx, "provider_budget", map[string]interface{}{
			"provider": providerID, "fraction": frac, "threshold": a.thresholds.ProviderCostBudgetFraction,
		})
	}
}

func (a *Aggregator) emitAlert(ctx context.Context, kind string, detail map[string]interface{}) {
	a.promAlerts.WithLabelValues(kind).Inc()
	slog.Warn("metrics alert", "kind", kind, "detail", detail)
	if a.alertBus == nil {
		return
	}
	detail["kind"] = kind
	a.alertBus.Publish(ctx, model.Event{Timestamp: time.Now(), Type: model.EventAlertTriggered, Body: detail})
}

// Snapshot returns a consistent point-in-time copy of every rollup, per
// spec §4.9's read-only snapshot interface.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		QueueDepth:     a.queueDepth,
		TotalSucceeded: a.totalSucceeded,
		TotalFailed:    a.totalFailed,
		TotalCancelled: a.totalCancelled,
		PerWorker:      make(map[string]WorkerStats, len(a.perWorker)),
		PerProvider:    make(map[string]ProviderStats, len(a.perProvider)),
		PerDepartment:  make(map[string]DepartmentStats, len(a.perDepartment)),
	}
	if total := a.totalSucceeded + a.totalFailed; total > 0 {
		snap.SuccessRate = float64(a.totalSucceeded) / float64(total)
	} else {
		snap.SuccessRate = 1
	}
	if a.waitSamples > 0 {
		snap.AvgWaitMs = a.totalWaitMs / float64(a.waitSamples)
	}
	for id, r := range a.perWorker {
		avg := 0.0
		if r.completed > 0 {
			avg = r.totalLatency / float64(r.completed)
		}
		snap.PerWorker[id] = WorkerStats{Completed: r.completed, Failed: r.failed, AvgLatencyMs: avg}
	}
	for id, r := range a.perProvider {
		snap.PerProvider[id] = ProviderStats{Requests: r.requests, Failures: r.failures, Tokens: r.tokens}
	}
	for name, r := range a.perDepartment {
		snap.PerDepartment[name] = DepartmentStats{Submitted: r.submitted, Succeeded: r.succeeded, Failed: r.failed}
	}
	return snap
}
