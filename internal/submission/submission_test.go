package submission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskmesh/internal/eventbus"
	"github.com/swarmguard/taskmesh/internal/graph"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/providers"
	"github.com/swarmguard/taskmesh/internal/queue"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/workerpool"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, task model.Task, worker model.Worker, provider model.Provider) ([]byte, error) {
	return []byte("ok"), nil
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	g := graph.New()
	q := queue.New()
	pool := workerpool.New(time.Minute)
	reg := providers.New()
	bus := eventbus.New(st, nil)
	cache := graph.NewResultCache(16, time.Minute)
	t.Cleanup(cache.Close)

	pool.Register(&model.Worker{ID: "w1", Capabilities: []string{"chat"}, ConcurrencyLimit: 2, State: model.WorkerReady})
	reg.Register(&model.Provider{
		ID: "p1", Capabilities: []string{"chat"}, DailyTokenBudget: 1_000_000,
		BreakerConfig: model.BreakerConfig{ConsecutiveFailures: 5, Window: time.Minute, Cooldown: 10 * time.Millisecond},
	}, 1000)

	cfg := scheduler.Config{RetryBaseDelay: 5 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond, TickInterval: 5 * time.Millisecond, CheckpointEvery: time.Hour}
	sched := scheduler.New(cfg, g, q, pool, reg, st, bus, cache, noopDispatcher{})
	return New(sched, g)
}

func TestSubmitRejectsInvalidPriority(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.Submit(context.Background(), Request{ID: "x", Priority: "urgent-ish"})
	if !errors.Is(err, model.ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
}

func TestSubmitRejectsOversizedPayload(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.Submit(context.Background(), Request{ID: "big", Payload: make([]byte, MaxPayloadBytes+1)})
	if !errors.Is(err, model.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestSubmitDefaultsPriorityAndGeneratesID(t *testing.T) {
	a := newTestAPI(t)
	id, err := a.Submit(context.Background(), Request{Kind: "chat", Capabilities: []string{"chat"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}
	task, ok := a.Get(context.Background(), id)
	if !ok {
		t.Fatalf("expected task retrievable after submit")
	}
	if task.Priority != model.PriorityNormal {
		t.Fatalf("expected default priority normal, got %s", task.Priority)
	}
}

func TestSubmitPropagatesUnknownPrereq(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.Submit(context.Background(), Request{ID: "dep", PrereqIDs: []string{"missing"}})
	if !errors.Is(err, model.ErrUnknownPrereq) {
		t.Fatalf("expected ErrUnknownPrereq, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	a := newTestAPI(t)
	id, err := a.Submit(context.Background(), Request{ID: "c1", Capabilities: []string{"chat"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	state, err := a.Cancel(context.Background(), id, "operator requested")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state != model.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
	state2, err := a.Cancel(context.Background(), id, "second attempt")
	if err != nil {
		t.Fatalf("expected idempotent cancel to not error, got %v", err)
	}
	if state2 != model.TaskCancelled {
		t.Fatalf("expected cancelled on second call, got %s", state2)
	}
}

func TestCancelUnknownTaskErrors(t *testing.T) {
	a := newTestAPI(t)
	if _, err := a.Cancel(context.Background(), "ghost", "reason"); err == nil {
		t.Fatalf("expected error cancelling unknown task")
	}
}

func TestListFiltersByDepartmentAndState(t *testing.T) {
	a := newTestAPI(t)
	if _, err := a.Submit(context.Background(), Request{ID: "eng1", Department: "eng", Capabilities: []string{"chat"}}); err != nil {
		t.Fatalf("submit eng1: %v", err)
	}
	if _, err := a.Submit(context.Background(), Request{ID: "sales1", Department: "sales", Capabilities: []string{"chat"}}); err != nil {
		t.Fatalf("submit sales1: %v", err)
	}

	eng := a.List(context.Background(), Filter{Department: "eng"})
	if len(eng) != 1 || eng[0].ID != "eng1" {
		t.Fatalf("expected only eng1 in eng department filter, got %+v", eng)
	}

	all := a.List(context.Background(), Filter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks total, got %d", len(all))
	}
}
