package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/swarmguard/taskmesh/internal/eventbus"
	"github.com/swarmguard/taskmesh/internal/model"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	return eventbus.New(noopSource{}, nil)
}

type noopSource struct{}

func (noopSource) Range(ctx context.Context, fromSeq uint64, fn func(model.Event) error) error {
	return nil
}

func TestAggregatorTracksSuccessAndFailure(t *testing.T) {
	bus := newTestBus(t)
	a := New(DefaultThresholds(), bus, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, bus)

	now := time.Now()
	bus.Publish(ctx, model.Event{Timestamp: now, Type: model.EventTaskSubmitted, Body: map[string]interface{}{"task_id": "t1", "department": "eng"}})
	bus.Publish(ctx, model.Event{Timestamp: now, Type: model.EventTaskReady, Body: map[string]interface{}{"task_id": "t1"}})
	bus.Publish(ctx, model.Event{Timestamp: now, Type: model.EventTaskAssigned, Body: map[string]interface{}{"task_id": "t1", "worker": "w1", "provider": "p1"}})
	bus.Publish(ctx, model.Event{Timestamp: now.Add(10 * time.Millisecond), Type: model.EventTaskCompleted, Body: map[string]interface{}{"task_id": "t1", "duration_ms": 10.0}})

	waitForSnapshot(t, a, func(s Snapshot) bool { return s.TotalSucceeded == 1 })

	snap := a.Snapshot()
	if snap.TotalSucceeded != 1 {
		t.Fatalf("expected 1 succeeded, got %d", snap.TotalSucceeded)
	}
	if snap.QueueDepth != 0 {
		t.Fatalf("expected queue depth 0 after assignment, got %d", snap.QueueDepth)
	}
	w, ok := snap.PerWorker["w1"]
	if !ok || w.Completed != 1 {
		t.Fatalf("expected worker w1 to have 1 completed, got %+v", w)
	}
	dep, ok := snap.PerDepartment["eng"]
	if !ok || dep.Succeeded != 1 {
		t.Fatalf("expected department eng to have 1 succeeded, got %+v", dep)
	}
}

func TestAggregatorEmitsQueueDepthAlert(t *testing.T) {
	bus := newTestBus(t)
	thresholds := Thresholds{QueueDepthMax: 2, SuccessRateMin: 0, ProviderCostBudgetFraction: 1}
	a := New(thresholds, bus, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, bus)

	alerts, alertCancel := bus.Subscribe([]model.EventType{model.EventAlertTriggered}, 8)
	defer alertCancel()

	now := time.Now()
	for i := 0; i < 3; i++ {
		bus.Publish(ctx, model.Event{Timestamp: now, Type: model.EventTaskReady, Body: map[string]interface{}{"task_id": "q"}})
	}

	select {
	case evt := <-alerts:
		if evt.Body["kind"] != "queue_depth" {
			t.Fatalf("expected queue_depth alert, got %v", evt.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a queue depth alert to be emitted")
	}
}

func TestRecordProviderBudgetEmitsAlert(t *testing.T) {
	bus := newTestBus(t)
	a := New(Thresholds{ProviderCostBudgetFraction: 0.5, QueueDepthMax: 1 << 30, SuccessRateMin: 0}, bus, prometheus.NewRegistry())

	alerts, alertCancel := bus.Subscribe([]model.EventType{model.EventAlertTriggered}, 8)
	defer alertCancel()

	a.RecordProviderBudget(context.Background(), "p1", 600, 1000)

	select {
	case evt := <-alerts:
		if evt.Body["kind"] != "provider_budget" {
			t.Fatalf("expected provider_budget alert, got %v", evt.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a provider budget alert to be emitted")
	}
}

func waitForSnapshot(t *testing.T, a *Aggregator, pred func(Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pred(a.Snapshot()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout, last snapshot: %+v", a.Snapshot())
}
