// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/taskhub/ci"
	"github.com/hashicorp/taskhub/helper/testlog"
	"github.com/hashicorp/taskhub/registry"
	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
	"github.com/shoenig/test/must"
)

func testScheduler(t *testing.T) (*Scheduler, *state.Store) {
	t.Helper()
	logger := testlog.HCLogger(t)
	store, err := state.Open(filepath.Join(t.TempDir(), "taskhub.db"), logger)
	must.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(registry.Builtin()...)
	must.NoError(t, err)

	return New(logger, store, reg, time.Second), store
}

func testEntry(id, task, expr string, next time.Time) *structs.CronEntry {
	return &structs.CronEntry{
		ID:         id,
		TaskID:     task,
		Expression: expr,
		Params:     json.RawMessage(`{"message":"tick"}`),
		Name:       "test entry",
		Enabled:    true,
		NextRunAt:  next,
	}
}

func TestScheduler_Tick_FiresDueEntry(t *testing.T) {
	ci.Parallel(t)
	sched, store := testScheduler(t)

	now := time.Now()
	must.NoError(t, store.CreateCron(testEntry("c-1", "echo", "* * * * *", now.Add(-time.Second))))

	sched.Tick(now)

	runs, err := store.ListRuns(state.RunListRequest{TaskID: "echo"})
	must.NoError(t, err)
	must.Len(t, 1, runs)
	must.Eq(t, structs.RunStatusQueued, runs[0].Status)
	must.Eq(t, "c-1", runs[0].CronID)
	must.Eq(t, `{"message":"tick"}`, string(runs[0].Params))

	// The entry advanced past now.
	entry, err := store.GetCron("c-1")
	must.NoError(t, err)
	must.True(t, entry.NextRunAt.After(now))
	must.NotNil(t, entry.LastRunAt)

	// A second tick at the same instant fires nothing.
	sched.Tick(now)
	runs, err = store.ListRuns(state.RunListRequest{TaskID: "echo"})
	must.NoError(t, err)
	must.Len(t, 1, runs)
}

func TestScheduler_Tick_CoalescesMissedFires(t *testing.T) {
	ci.Parallel(t)
	sched, store := testScheduler(t)

	// The entry has been due for an hour, so roughly 60 fires were missed.
	now := time.Now()
	must.NoError(t, store.CreateCron(testEntry("c-1", "echo", "* * * * *", now.Add(-time.Hour))))

	sched.Tick(now)

	// Exactly one catch-up run, no backfill.
	runs, err := store.ListRuns(state.RunListRequest{TaskID: "echo"})
	must.NoError(t, err)
	must.Len(t, 1, runs)

	// next_run_at is computed from now, not from the stale schedule.
	entry, err := store.GetCron("c-1")
	must.NoError(t, err)
	must.True(t, entry.NextRunAt.After(now))
	must.True(t, entry.NextRunAt.Before(now.Add(2*time.Minute)))
}

func TestScheduler_Tick_UnknownTaskStillAdvances(t *testing.T) {
	ci.Parallel(t)
	sched, store := testScheduler(t)

	now := time.Now()
	must.NoError(t, store.CreateCron(testEntry("c-1", "vanished", "* * * * *", now.Add(-time.Second))))

	sched.Tick(now)

	// No run materialized, but the entry is no longer due; a broken entry
	// must not wedge the loop.
	runs, err := store.ListRuns(state.RunListRequest{})
	must.NoError(t, err)
	must.Len(t, 0, runs)

	entry, err := store.GetCron("c-1")
	must.NoError(t, err)
	must.True(t, entry.NextRunAt.After(now))
}

func TestScheduler_Tick_SkipsDisabledEntry(t *testing.T) {
	ci.Parallel(t)
	sched, store := testScheduler(t)

	now := time.Now()
	entry := testEntry("c-1", "echo", "* * * * *", now.Add(-time.Second))
	entry.Enabled = false
	must.NoError(t, store.CreateCron(entry))

	sched.Tick(now)

	runs, err := store.ListRuns(state.RunListRequest{})
	must.NoError(t, err)
	must.Len(t, 0, runs)
}

func TestNextAfter(t *testing.T) {
	ci.Parallel(t)

	from := time.Date(2026, 8, 25, 10, 30, 30, 0, time.UTC)

	next, err := NextAfter("* * * * *", from)
	must.NoError(t, err)
	must.Eq(t, time.Date(2026, 8, 25, 10, 31, 0, 0, time.UTC), next.UTC())

	next, err = NextAfter("0 3 * * *", from)
	must.NoError(t, err)
	must.Eq(t, time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC), next.UTC())

	_, err = NextAfter("not a cron", from)
	must.Error(t, err)

	// February 30th never arrives.
	_, err = NextAfter("0 0 30 2 *", from)
	must.Error(t, err)
}

func TestValidate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, Validate("*/5 * * * *"))
	must.Error(t, Validate("61 * * * *"))
	must.Error(t, Validate(""))
}
