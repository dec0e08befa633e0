// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/taskhub/ci"
	"github.com/hashicorp/taskhub/helper/testlog"
	"github.com/hashicorp/taskhub/structs"
	"github.com/shoenig/test/must"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "taskhub.db"), testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSnapshot() map[string]TaskView {
	return map[string]TaskView{
		"echo":     {TaskID: "echo", Enabled: true},
		"capped":   {TaskID: "capped", Enabled: true, ConcurrencyLimit: 2},
		"disabled": {TaskID: "disabled", Enabled: false},
	}
}

func TestStore_EnqueueRun(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	id, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-1")
	must.NoError(t, err)
	must.Eq(t, "r-1", id)

	run, err := store.GetRun("r-1")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusQueued, run.Status)
	must.Eq(t, "echo", run.TaskID)
	must.Eq(t, `{}`, string(run.Params))
	must.NoError(t, run.Validate())

	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "nope"}, snap, "r-2")
	must.ErrorIs(t, err, structs.ErrUnknownTask)

	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "disabled"}, snap, "r-3")
	must.ErrorIs(t, err, structs.ErrTaskDisabled)
}

func TestStore_EnqueueRun_IdempotencyKey(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	req := EnqueueRequest{TaskID: "echo", IdempotencyKey: "nightly-2026-08-25"}
	id1, err := store.EnqueueRun(req, snap, "r-1")
	must.NoError(t, err)
	must.Eq(t, "r-1", id1)

	// A repeat key returns the original run instead of inserting.
	id2, err := store.EnqueueRun(req, snap, "r-2")
	must.NoError(t, err)
	must.Eq(t, "r-1", id2)

	runs, err := store.ListRuns(RunListRequest{TaskID: "echo"})
	must.NoError(t, err)
	must.Len(t, 1, runs)

	// Runs without a key never collide.
	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-3")
	must.NoError(t, err)
	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-4")
	must.NoError(t, err)
}

func TestStore_ClaimNext_FIFO(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	for i := 0; i < 3; i++ {
		_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, fmt.Sprintf("r-%d", i))
		must.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		run, err := store.ClaimNext("w-1", time.Minute, nil, snap)
		must.NoError(t, err)
		must.NotNil(t, run)
		must.Eq(t, fmt.Sprintf("r-%d", i), run.ID)
		must.Eq(t, structs.RunStatusRunning, run.Status)
		must.Eq(t, "w-1", run.LeaseOwner)
		must.NotNil(t, run.StartedAt)
		must.NoError(t, run.Validate())
	}

	// Queue drained.
	run, err := store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Nil(t, run)
}

func TestStore_ClaimNext_AtMostOnce(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	const runs = 10
	for i := 0; i < runs; i++ {
		_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, fmt.Sprintf("r-%d", i))
		must.NoError(t, err)
	}

	// Race many claimers over the queue; every run must be claimed exactly
	// once.
	claimed := make(chan string, runs*2)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				run, err := store.ClaimNext(fmt.Sprintf("w-%d", worker), time.Minute, nil, snap)
				if err != nil || run == nil {
					return
				}
				claimed <- run.ID
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := map[string]bool{}
	for id := range claimed {
		must.False(t, seen[id], must.Sprintf("run %s claimed twice", id))
		seen[id] = true
	}
	must.MapLen(t, runs, seen)
}

func TestStore_ClaimNext_ConcurrencyCap(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	for i := 0; i < 3; i++ {
		_, err := store.EnqueueRun(EnqueueRequest{TaskID: "capped"}, snap, fmt.Sprintf("r-%d", i))
		must.NoError(t, err)
	}

	r1, err := store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NotNil(t, r1)
	r2, err := store.ClaimNext("w-2", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NotNil(t, r2)

	// Cap of 2 reached; the third run stays queued.
	r3, err := store.ClaimNext("w-3", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Nil(t, r3)

	n, err := store.CountRunning("capped")
	must.NoError(t, err)
	must.Eq(t, 2, n)

	// Finishing one frees a slot.
	code := 0
	must.NoError(t, store.FinishRun(r1.ID, "w-1", structs.RunStatusSucceeded, &code, ""))
	r3, err = store.ClaimNext("w-3", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NotNil(t, r3)
}

func TestStore_ClaimNext_DeepQueue(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	// Saturate the capped task so its queued runs are unclaimable.
	for i := 0; i < 2; i++ {
		_, err := store.EnqueueRun(EnqueueRequest{TaskID: "capped"}, snap, fmt.Sprintf("r-head-%d", i))
		must.NoError(t, err)
		run, err := store.ClaimNext("w-busy", time.Minute, nil, snap)
		must.NoError(t, err)
		must.NotNil(t, run)
	}

	// Bury a claimable echo run behind more than one scan page of capped
	// runs; the claim must page past them instead of giving up.
	for i := 0; i < claimScanBatch+5; i++ {
		_, err := store.EnqueueRun(EnqueueRequest{TaskID: "capped"}, snap, fmt.Sprintf("r-blocked-%04d", i))
		must.NoError(t, err)
	}
	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-buried")
	must.NoError(t, err)

	run, err := store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NotNil(t, run)
	must.Eq(t, "r-buried", run.ID)

	// Nothing else is claimable.
	run, err = store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Nil(t, run)
}

func TestStore_ClaimNext_TaskFilter(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-echo")
	must.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "capped"}, snap, "r-capped")
	must.NoError(t, err)

	// The filter skips the older echo run.
	run, err := store.ClaimNext("w-1", time.Minute, []string{"capped"}, snap)
	must.NoError(t, err)
	must.NotNil(t, run)
	must.Eq(t, "r-capped", run.ID)
}

func TestStore_ClaimNext_SkipsUnknownAndDisabled(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-1")
	must.NoError(t, err)

	// A task disabled after enqueue is not dispatched.
	snap["echo"] = TaskView{TaskID: "echo", Enabled: false}
	run, err := store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Nil(t, run)

	// Nor is a task removed from the registry.
	delete(snap, "echo")
	run, err = store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Nil(t, run)
}

func TestStore_RenewLease(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-1")
	must.NoError(t, err)
	run, err := store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NotNil(t, run)

	must.NoError(t, store.RenewLease("r-1", "w-1", time.Minute))

	renewed, err := store.GetRun("r-1")
	must.NoError(t, err)
	must.True(t, renewed.LeaseExpiresAt.After(*run.LeaseExpiresAt) ||
		renewed.LeaseExpiresAt.Equal(*run.LeaseExpiresAt))

	// Only the owner can renew.
	err = store.RenewLease("r-1", "w-2", time.Minute)
	must.ErrorIs(t, err, structs.ErrLostLease)

	// A finished run has no lease to renew.
	code := 0
	must.NoError(t, store.FinishRun("r-1", "w-1", structs.RunStatusSucceeded, &code, ""))
	err = store.RenewLease("r-1", "w-1", time.Minute)
	must.ErrorIs(t, err, structs.ErrLostLease)
}

func TestStore_FinishRun(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-1")
	must.NoError(t, err)
	_, err = store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NoError(t, store.SetPGID("r-1", "w-1", 4242))

	err = store.FinishRun("r-1", "w-1", structs.RunStatusRunning, nil, "")
	must.ErrorIs(t, err, structs.ErrBadTransition)

	code := 7
	must.NoError(t, store.FinishRun("r-1", "w-1", structs.RunStatusFailed, &code, "exit_code=7: boom"))

	run, err := store.GetRun("r-1")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusFailed, run.Status)
	must.Eq(t, 7, *run.ExitCode)
	must.Eq(t, "exit_code=7: boom", run.Error)
	must.NotNil(t, run.FinishedAt)
	must.Nil(t, run.PGID)
	must.Eq(t, "", run.LeaseOwner)
	must.NoError(t, run.Validate())

	// Terminal runs never transition again.
	err = store.FinishRun("r-1", "w-1", structs.RunStatusSucceeded, nil, "")
	must.ErrorIs(t, err, structs.ErrLostLease)
}

func TestStore_RequestCancel(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	// Queued runs cancel immediately.
	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-q")
	must.NoError(t, err)
	must.NoError(t, store.RequestCancel("r-q"))

	run, err := store.GetRun("r-q")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusCanceled, run.Status)
	must.NotNil(t, run.FinishedAt)
	must.NoError(t, run.Validate())

	// Canceled runs are never claimed.
	claimed, err := store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Nil(t, claimed)

	// Running runs only get flagged; the worker finalizes.
	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-r")
	must.NoError(t, err)
	_, err = store.ClaimNext("w-1", time.Minute, nil, snap)
	must.NoError(t, err)
	must.NoError(t, store.RequestCancel("r-r"))

	run, err = store.GetRun("r-r")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusRunning, run.Status)
	must.True(t, run.CancelRequested)

	flagged, err := store.CancelRequested("r-r")
	must.NoError(t, err)
	must.True(t, flagged)

	// Cancel of a terminal run is a no-op, not an error.
	code := 0
	must.NoError(t, store.FinishRun("r-r", "w-1", structs.RunStatusSucceeded, &code, ""))
	must.NoError(t, store.RequestCancel("r-r"))
	run, err = store.GetRun("r-r")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusSucceeded, run.Status)

	must.ErrorIs(t, store.RequestCancel("r-missing"), structs.ErrNotFound)
}

func TestStore_ReapExpired(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-dead")
	must.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-live")
	must.NoError(t, err)

	// One lease already expired, one healthy.
	run, err := store.ClaimNext("w-dead", -time.Second, nil, snap)
	must.NoError(t, err)
	must.Eq(t, "r-dead", run.ID)
	must.NoError(t, store.SetPGID("r-dead", "w-dead", 4242))

	run, err = store.ClaimNext("w-live", time.Minute, nil, snap)
	must.NoError(t, err)
	must.Eq(t, "r-live", run.ID)

	expired, err := store.ReapExpired(time.Now())
	must.NoError(t, err)
	must.Len(t, 1, expired)
	must.Eq(t, "r-dead", expired[0].RunID)
	must.Eq(t, "w-dead", expired[0].LeaseOwner)
	must.NotNil(t, expired[0].PGID)
	must.Eq(t, 4242, *expired[0].PGID)

	must.NoError(t, store.AbandonRun("r-dead", "lease_expired by reaper, original_owner=w-dead"))

	dead, err := store.GetRun("r-dead")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusFailed, dead.Status)
	must.StrContains(t, dead.Error, "lease_expired")
	must.Nil(t, dead.PGID)
	must.NoError(t, dead.Validate())
}

func TestStore_AbandonRun_RenewedLeaseSafe(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	_, err := store.EnqueueRun(EnqueueRequest{TaskID: "echo"}, snap, "r-1")
	must.NoError(t, err)
	_, err = store.ClaimNext("w-1", -time.Second, nil, snap)
	must.NoError(t, err)

	// The reaper observed the expired lease...
	expired, err := store.ReapExpired(time.Now())
	must.NoError(t, err)
	must.Len(t, 1, expired)

	// ...but the worker renewed before AbandonRun ran. The abandon must not
	// clobber the live run.
	must.NoError(t, store.RenewLease("r-1", "w-1", time.Minute))
	err = store.AbandonRun("r-1", "lease_expired by reaper, original_owner=w-1")
	must.ErrorIs(t, err, structs.ErrLostLease)

	run, err := store.GetRun("r-1")
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusRunning, run.Status)
	must.Eq(t, "w-1", run.LeaseOwner)
}

func TestStore_ListRuns(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)
	snap := testSnapshot()

	for i := 0; i < 5; i++ {
		task := "echo"
		if i%2 == 1 {
			task = "capped"
		}
		_, err := store.EnqueueRun(EnqueueRequest{TaskID: task}, snap, fmt.Sprintf("r-%d", i))
		must.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	// Newest first.
	runs, err := store.ListRuns(RunListRequest{})
	must.NoError(t, err)
	must.Len(t, 5, runs)
	must.Eq(t, "r-4", runs[0].ID)
	must.Eq(t, "r-0", runs[4].ID)

	runs, err = store.ListRuns(RunListRequest{TaskID: "capped"})
	must.NoError(t, err)
	must.Len(t, 2, runs)

	runs, err = store.ListRuns(RunListRequest{Status: structs.RunStatusQueued, Limit: 3})
	must.NoError(t, err)
	must.Len(t, 3, runs)
}

func TestStore_GetRun_NotFound(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	_, err := store.GetRun("r-missing")
	must.True(t, errors.Is(err, structs.ErrNotFound))
}
