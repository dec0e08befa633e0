// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package reaper reclaims runs whose worker died. An expired lease
// authorizes the reaper to kill the recorded process group and fail the
// run; runs with live leases are never touched.
package reaper

import (
	"context"
	"fmt"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/taskhub/executor"
	"github.com/hashicorp/taskhub/state"
)

// orphanGrace is the pause between SIGTERM and SIGKILL when cleaning an
// orphaned process group. Short: the owner is already gone, nothing is
// consuming the child's output.
const orphanGrace = time.Second

// Reaper sweeps expired leases on an interval.
type Reaper struct {
	logger        hclog.Logger
	store         *state.Store
	interval      time.Duration
	leaseDuration time.Duration
}

// New returns a reaper sweeping at the given interval.
func New(logger hclog.Logger, store *state.Store, interval, leaseDuration time.Duration) *Reaper {
	return &Reaper{
		logger:        logger.Named("reaper"),
		store:         store,
		interval:      interval,
		leaseDuration: leaseDuration,
	}
}

// Run sweeps until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shutting down")
			return nil
		case <-ticker.C:
			if err := r.Sweep(time.Now()); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass: kill orphan process groups, abandon expired
// runs, prune stale worker registry rows.
func (r *Reaper) Sweep(now time.Time) error {
	expired, err := r.store.ReapExpired(now)
	if err != nil {
		return fmt.Errorf("failed to list expired runs: %w", err)
	}

	var mErr multierror.Error
	for _, run := range expired {
		if err := r.reapRun(run); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	cutoff := now.Add(-3 * r.leaseDuration)
	if pruned, err := r.store.PruneWorkers(cutoff); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	} else if pruned > 0 {
		r.logger.Info("pruned stale workers", "count", pruned)
	}

	return mErr.ErrorOrNil()
}

func (r *Reaper) reapRun(run state.ReapedRun) error {
	r.logger.Warn("reaping run with expired lease",
		"run_id", run.RunID, "owner", run.LeaseOwner, "pgid", run.PGID)

	// Clean up the orphan process group before touching the row. The
	// worker may have died between fork and pgid registration, in which
	// case there is nothing to kill.
	groupKilled := false
	if run.PGID != nil && executor.ProcessGroupAlive(*run.PGID) {
		groupKilled = true
		if err := executor.SignalProcessGroup(*run.PGID, syscall.SIGTERM); err != nil {
			r.logger.Error("failed to SIGTERM orphan group", "pgid", *run.PGID, "error", err)
		}
		time.Sleep(orphanGrace)
		if executor.ProcessGroupAlive(*run.PGID) {
			if err := executor.SignalProcessGroup(*run.PGID, syscall.SIGKILL); err != nil {
				r.logger.Error("failed to SIGKILL orphan group", "pgid", *run.PGID, "error", err)
			}
		}
	}

	reason := fmt.Sprintf("lease_expired by reaper, original_owner=%s", run.LeaseOwner)
	if err := r.store.AbandonRun(run.RunID, reason); err != nil {
		// The owner renewed between the scan and this update; the run is
		// healthy again and must be left alone.
		r.logger.Info("run recovered before abandon, skipping", "run_id", run.RunID, "error", err)
		return nil
	}

	metrics.IncrCounter([]string{"reaper", "reaped"}, 1)
	r.store.AppendSystemEvent(run.RunID, "run reaped after lease expiry", map[string]interface{}{
		"original_owner": run.LeaseOwner,
		"group_killed":   groupKilled,
	})
	return nil
}
