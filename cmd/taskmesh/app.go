package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/dispatch"
	"github.com/swarmguard/taskmesh/internal/eventbus"
	"github.com/swarmguard/taskmesh/internal/graph"
	"github.com/swarmguard/taskmesh/internal/metrics"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/providers"
	"github.com/swarmguard/taskmesh/internal/queue"
	"github.com/swarmguard/taskmesh/internal/recovery"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/submission"
	"github.com/swarmguard/taskmesh/internal/workerpool"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

// app wires every component into one struct so serve and recover can share
// identical construction up through the durable store and graph, diverging
// only in what they do with it afterward.
type app struct {
	cfg          config.Config
	store        *store.Store
	graph        *graph.Graph
	queue        *queue.Queue
	pool         *workerpool.Pool
	providers    *providers.Registry
	bus          *eventbus.Bus
	cache        *graph.ResultCache
	sched        *scheduler.Scheduler
	recovery     *recovery.Manager
	aggregator   *metrics.Aggregator
	submission   *submission.API
	promRegistry *prometheus.Registry

	natsConn *nats.Conn
}

// buildApp constructs every collaborator up to (but not including) starting
// the scheduler's background loops, which is where serve.go and recover.go
// diverge.
func buildApp(cfg config.Config) (*app, error) {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	st, err := store.Open(cfg.StorePath, meter)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errStoreUnreachable, err)
	}

	g := graph.New()
	q := queue.New()
	pool := workerpool.New(cfg.WorkerIdleTimeout)
	reg := providers.New()

	for _, pc := range cfg.Providers {
		reg.Register(&model.Provider{
			ID:               pc.ID,
			Endpoint:         pc.Endpoint,
			CostPerToken:     pc.CostPerToken,
			DailyTokenBudget: pc.DailyTokenBudget,
			PriorityClass:    model.PriorityClass(pc.PriorityClass),
			Capabilities:     pc.Capabilities,
			BreakerConfig: model.BreakerConfig{
				ConsecutiveFailures: pc.Breaker.ConsecutiveFailures,
				Window:              pc.Breaker.Window,
				Cooldown:            pc.Breaker.Cooldown,
			},
		}, pc.FillRatePerSec)
	}
	for _, cm := range cfg.CostModes {
		classes := make([]model.PriorityClass, 0, len(cm.Classes))
		for _, c := range cm.Classes {
			classes = append(classes, model.PriorityClass(c))
		}
		reg.RegisterCostMode(model.CostMode{Name: cm.Name, Providers: cm.Providers, Classes: classes})
	}
	for _, wc := range cfg.Workers {
		pool.Register(&model.Worker{
			ID:                 wc.ID,
			Capabilities:       wc.Capabilities,
			ConcurrencyLimit:   wc.ConcurrencyLimit,
			PreferredProviders: wc.PreferredProviders,
			State:              model.WorkerReady,
		})
	}

	var sink eventbus.Sink
	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		natsConn = conn
		sink = eventbus.NewNATSSink(conn, cfg.NATSSubject)
	}
	bus := eventbus.New(st, sink)

	cache := graph.NewResultCache(1024, 10*time.Minute)

	dispatcher := dispatch.NewHTTPDispatcher(cfg.DispatchTimeout)

	schedCfg := scheduler.Config{
		ShardCount:      cfg.Scheduler.ShardCount,
		ShardIndex:      cfg.Scheduler.ShardIndex,
		RetryBaseDelay:  cfg.Scheduler.RetryBaseDelay,
		RetryMaxDelay:   cfg.Scheduler.RetryMaxDelay,
		CheckpointEvery: cfg.Scheduler.CheckpointInterval,
		TickInterval:    cfg.Scheduler.TickInterval,
		CostMode:        cfg.Scheduler.CostMode,
		DispatchTimeout: cfg.DispatchTimeout,
	}
	sched := scheduler.New(schedCfg, g, q, pool, reg, st, bus, cache, dispatcher)
	recov := recovery.New(st, g, reg)

	promRegistry := prometheus.NewRegistry()
	aggThresholds := metrics.Thresholds{
		ProviderCostBudgetFraction: cfg.Alerts.ProviderCostBudgetFraction,
		QueueDepthMax:              cfg.Alerts.QueueDepthMax,
		SuccessRateMin:             cfg.Alerts.SuccessRateMin,
	}
	aggregator := metrics.New(aggThresholds, bus, promRegistry)

	sub := submission.New(sched, g)

	return &app{
		cfg:          cfg,
		store:        st,
		graph:        g,
		queue:        q,
		pool:         pool,
		providers:    reg,
		bus:          bus,
		cache:        cache,
		sched:        sched,
		recovery:     recov,
		aggregator:   aggregator,
		submission:   sub,
		promRegistry: promRegistry,
		natsConn:     natsConn,
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("close store failed", "error", err)
	}
}

func (a *app) recoverAtBoot(ctx context.Context) (recovery.Report, error) {
	report, err := a.recovery.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %s", errRecoveryFailed, err)
	}
	return report, nil
}
