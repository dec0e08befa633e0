// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package worker implements the long-lived claim loop. One worker process
// supervises one run at a time; parallelism comes from running more worker
// processes, with the store enforcing per-task concurrency limits.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/taskhub/config"
	"github.com/hashicorp/taskhub/executor"
	"github.com/hashicorp/taskhub/helper/ids"
	"github.com/hashicorp/taskhub/registry"
	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
)

// Worker claims queued runs and supervises them to a terminal state.
type Worker struct {
	id       string
	logger   hclog.Logger
	store    *state.Store
	registry *registry.Registry
	cfg      *config.Config

	// TaskFilter restricts which tasks this worker claims. Empty means
	// all tasks.
	TaskFilter []string

	mu      sync.Mutex
	current *executor.Supervisor
}

// New returns a worker with a fresh id.
func New(logger hclog.Logger, store *state.Store, reg *registry.Registry, cfg *config.Config) *Worker {
	id := ids.Worker()
	return &Worker{
		id:       id,
		logger:   logger.Named("worker").With("worker_id", id),
		store:    store,
		registry: reg,
		cfg:      cfg,
	}
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the claim loop until ctx is canceled. Cancellation mid-run
// triggers the graceful shutdown path: the current child receives the
// cancellation escalation and the run finalizes as CANCELED with
// error "worker_shutdown".
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "lease", w.cfg.LeaseDuration, "idle_poll", w.cfg.IdlePoll)
	snapshot := w.registry.Snapshot()

	for {
		if err := w.heartbeatRegistry(structs.WorkerStatusIdle, ""); err != nil {
			w.logger.Warn("failed to update worker registry", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return nil
		default:
		}

		run, err := w.store.ClaimNext(w.id, w.cfg.LeaseDuration, w.TaskFilter, snapshot)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			time.Sleep(w.cfg.IdlePoll)
			continue
		}
		if run == nil {
			select {
			case <-ctx.Done():
				w.logger.Info("worker shutting down")
				return nil
			case <-time.After(w.cfg.IdlePoll):
			}
			continue
		}

		metrics.IncrCounter([]string{"worker", "claim"}, 1)
		w.executeRun(ctx, run)
	}
}

// executeRun supervises one claimed run. Errors are contained here: a
// poisoned run must never take down the claim loop.
func (w *Worker) executeRun(ctx context.Context, run *structs.Run) {
	logger := w.logger.With("run_id", run.ID, "task_id", run.TaskID)
	logger.Info("executing run")

	if err := w.heartbeatRegistry(structs.WorkerStatusBusy, run.ID); err != nil {
		logger.Warn("failed to update worker registry", "error", err)
	}

	spec := w.registry.Get(run.TaskID)
	if spec == nil {
		// Registry drift between the enqueueing process and this worker.
		if err := w.store.FinishRun(run.ID, w.id, structs.RunStatusFailed, nil,
			"build_command_failed: task not in worker registry"); err != nil {
			logger.Error("failed to fail run with unknown task", "error", err)
		}
		return
	}

	task := &executor.RunTask{
		BuildCommand: spec.BuildCommand,
		Timeout:      time.Duration(spec.TimeoutSeconds) * time.Second,
	}

	sup := executor.New(executor.Config{
		Logger:    w.logger,
		Updater:   w.store,
		WorkerID:  w.id,
		RunDir:    w.cfg.RunDir(run.ID),
		SoftGrace: w.cfg.SoftGrace,
	}, run, task)

	w.mu.Lock()
	w.current = sup
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
	}()

	stopHeartbeat := make(chan struct{})
	var companions sync.WaitGroup
	companions.Add(1)
	go func() {
		defer companions.Done()
		w.heartbeatRun(run.ID, sup, stopHeartbeat)
	}()

	// Translate process-level shutdown into run cancellation.
	companions.Add(1)
	go func() {
		defer companions.Done()
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested mid-run, canceling child")
			w.store.AppendSystemEvent(run.ID, "worker shutting down", map[string]interface{}{
				"worker_id": w.id,
			})
			sup.Cancel("worker_shutdown")
		case <-stopHeartbeat:
		}
	}()

	if err := sup.Execute(); err != nil {
		logger.Error("run supervision error", "error", err)
	}
	close(stopHeartbeat)
	companions.Wait()
}

// heartbeatRun renews the lease at a third of its duration. A lost lease
// means the reaper took the run: the child is killed and all further
// writes to the run are abandoned.
func (w *Worker) heartbeatRun(runID string, sup *executor.Supervisor, stop <-chan struct{}) {
	interval := w.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := w.store.RenewLease(runID, w.id, w.cfg.LeaseDuration)
			if err == nil {
				metrics.IncrCounter([]string{"worker", "heartbeat"}, 1)
				continue
			}
			if errors.Is(err, structs.ErrLostLease) {
				w.logger.Error("lease lost, abandoning run", "run_id", runID)
				metrics.IncrCounter([]string{"worker", "lease_lost"}, 1)
				sup.LeaseLost()
				return
			}
			// Transient store trouble; keep trying, the lease has slack.
			w.logger.Warn("lease renewal failed", "run_id", runID, "error", err)
		}
	}
}

func (w *Worker) heartbeatRegistry(status, runID string) error {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return w.store.UpsertWorker(&structs.WorkerInfo{
		ID:       w.id,
		Hostname: host,
		PID:      os.Getpid(),
		Status:   status,
		RunID:    runID,
	})
}
