// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package scheduler materializes runs from cron entries. A single
// scheduler loop should be active per database; the launcher convention
// enforces that.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/taskhub/helper/ids"
	"github.com/hashicorp/taskhub/registry"
	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
)

// Scheduler converts due cron entries into queued runs.
type Scheduler struct {
	logger   hclog.Logger
	store    *state.Store
	registry *registry.Registry
	interval time.Duration
}

// New returns a scheduler ticking at the given interval.
func New(logger hclog.Logger, store *state.Store, reg *registry.Registry, interval time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		store:    store,
		registry: reg,
		interval: interval,
	}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return nil
		case <-ticker.C:
			s.Tick(time.Now())
		}
	}
}

// Tick evaluates due entries once. Missed ticks coalesce: the next fire
// time is always computed from now, so an outage produces at most one
// catch-up run per entry and no backfill.
func (s *Scheduler) Tick(now time.Time) {
	due, err := s.store.PollDueCron(now)
	if err != nil {
		s.logger.Error("failed to poll due cron entries", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	snapshot := s.registry.Snapshot()
	for _, entry := range due {
		s.fire(entry, now, snapshot)
	}
}

func (s *Scheduler) fire(entry *structs.CronEntry, now time.Time, snapshot map[string]state.TaskView) {
	next, err := NextAfter(entry.Expression, now)
	if err != nil {
		// Entries are validated on create, so a parse failure here means
		// the row was edited out of band. Skip; without a next time the
		// entry cannot be advanced safely.
		s.logger.Error("invalid cron expression", "cron_id", entry.ID, "expression", entry.Expression, "error", err)
		return
	}

	runID, err := s.store.EnqueueRun(state.EnqueueRequest{
		TaskID: entry.TaskID,
		Params: entry.Params,
		CronID: entry.ID,
	}, snapshot, ids.Run())
	switch {
	case err == nil:
		metrics.IncrCounter([]string{"scheduler", "fire"}, 1)
		s.logger.Info("materialized cron run", "cron_id", entry.ID, "run_id", runID, "task_id", entry.TaskID)
	default:
		// Unknown or disabled task: still advance so the entry does not
		// stay due forever.
		s.logger.Warn("skipping cron entry", "cron_id", entry.ID, "task_id", entry.TaskID, "error", err)
	}

	if err := s.store.AdvanceCron(entry.ID, now, next); err != nil {
		s.logger.Error("failed to advance cron entry", "cron_id", entry.ID, "error", err)
	}
}

// NextAfter computes the next fire time of a standard 5-field cron
// expression strictly after from.
func NextAfter(expression string, from time.Time) (time.Time, error) {
	expr, err := cronexpr.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression %q: %w", expression, err)
	}
	next := expr.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expression)
	}
	return next, nil
}

// Validate checks a cron expression without scheduling anything.
func Validate(expression string) error {
	_, err := NextAfter(expression, time.Now())
	return err
}
