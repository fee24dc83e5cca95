package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/logging"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/otelinit"
	"github.com/swarmguard/taskmesh/internal/submission"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the taskmesh scheduler service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(cfg.Service)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.Service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, cfg.Service)
	defer func() {
		otelinit.Flush(context.Background(), shutdownTrace)
		_ = shutdownMetrics(context.Background())
	}()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Boot sequencing: recovery and cost-mode validation proceed
	// concurrently, the scheduler only starts once both have completed
	// without error, mirroring the corpus's errgroup-coordinated startup
	// (divinesense, go-utilpkg) rather than a hand-rolled WaitGroup.
	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	defer bootCancel()
	g, gctx := errgroup.WithContext(bootCtx)
	var report = struct{ tasksLoaded, reverted, cancelled int }{}
	g.Go(func() error {
		rep, err := a.recoverAtBoot(gctx)
		if err != nil {
			return err
		}
		report.tasksLoaded, report.reverted, report.cancelled = rep.TasksLoaded, rep.RevertedRunning, rep.CancelledOrphans
		return nil
	})
	g.Go(func() error {
		return validateCostModes(cfg)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("recovery complete", "tasks_loaded", report.tasksLoaded, "reverted_running", report.reverted, "cancelled_orphans", report.cancelled)

	aggCtx, aggCancel := context.WithCancel(context.Background())
	defer aggCancel()
	go a.aggregator.Run(aggCtx, a.bus)

	a.sched.Start(ctx)
	defer a.sched.StopAndWait()

	rescoreCron := cron.New()
	rescoreInterval := cfg.Scheduler.QueueRescoreInterval
	if rescoreInterval <= 0 {
		rescoreInterval = 15 * time.Second
	}
	if _, err := rescoreCron.AddFunc(fmt.Sprintf("@every %s", rescoreInterval), a.queue.RescoreAll); err != nil {
		slog.Error("schedule queue rescore sweep failed", "error", err)
	}
	rescoreCron.Start()
	defer rescoreCron.Stop()

	checkpointStop := a.recovery.StartCheckpointLoop(cfg.Scheduler.CheckpointInterval)
	defer checkpointStop()

	mux := newMux(a)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()
	slog.Info("taskmesh serve started", "addr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		slog.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
	return nil
}

// validateCostModes runs alongside the durable-store recovery replay during
// boot, catching a configuration mistake (a cost mode naming a provider id
// that was never registered) before the scheduler starts routing traffic.
func validateCostModes(cfg config.Config) error {
	known := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		known[p.ID] = true
	}
	for _, cm := range cfg.CostModes {
		for _, pid := range cm.Providers {
			if !known[pid] {
				return fmt.Errorf("cost mode %q references unknown provider %q", cm.Name, pid)
			}
		}
	}
	return nil
}

func newMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req submission.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			id, err := a.submission.Submit(r.Context(), req)
			if err != nil {
				writeSubmitError(w, err)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
		case http.MethodGet:
			filter := submission.Filter{
				Department: r.URL.Query().Get("department"),
				Kind:       r.URL.Query().Get("kind"),
				State:      model.TaskState(r.URL.Query().Get("state")),
			}
			tasks := a.submission.List(r.Context(), filter)
			_ = json.NewEncoder(w).Encode(tasks)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tasks/"):]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodDelete {
			reason := r.URL.Query().Get("reason")
			state, err := a.submission.Cancel(r.Context(), id, reason)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"state": string(state)})
			return
		}
		task, ok := a.submission.Get(r.Context(), id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(task)
	})

	mux.HandleFunc("/v1/metrics/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(a.aggregator.Snapshot())
	})

	return mux
}

func writeSubmitError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
