// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package state persists the TaskHub data model in a single SQLite
// database. Every exported operation runs as one transaction; SQLite's
// serialized writer provides the ordering guarantees the rest of the
// system depends on, so no component takes locks of its own.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/hashicorp/taskhub/structs"
)

// timeLayout is a fixed-width RFC3339 with nanoseconds. Fixed width keeps
// SQLite's lexicographic TEXT comparison identical to chronological order,
// which the claim, reap and cron queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// claimScanBatch is the page size ClaimNext scans QUEUED runs with.
const claimScanBatch = 200

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// TaskView is the slice of a task definition the store needs to admit and
// dispatch runs. The registry produces a snapshot map of these; the store
// never reaches back into the registry.
type TaskView struct {
	TaskID           string
	Enabled          bool
	ConcurrencyLimit int // 0 means unlimited
}

// Store wraps the SQLite database. It is safe for concurrent use; the
// connection pool is limited to one connection so writers serialize in
// process instead of colliding on SQLITE_BUSY.
type Store struct {
	db     *sqlx.DB
	logger hclog.Logger
}

// Open opens (creating if necessary) the database at path, applies the
// pragmas and schema, and returns the store.
func Open(path string, logger hclog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate",
		path,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.Named("state"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// runRow is the scan target for the runs table.
type runRow struct {
	RunID           string         `db:"run_id"`
	TaskID          string         `db:"task_id"`
	Params          string         `db:"params"`
	Status          string         `db:"status"`
	CreatedAt       string         `db:"created_at"`
	StartedAt       sql.NullString `db:"started_at"`
	FinishedAt      sql.NullString `db:"finished_at"`
	ExitCode        sql.NullInt64  `db:"exit_code"`
	Error           sql.NullString `db:"error"`
	LeaseOwner      sql.NullString `db:"lease_owner"`
	LeaseExpiresAt  sql.NullString `db:"lease_expires_at"`
	PGID            sql.NullInt64  `db:"pgid"`
	CancelRequested bool           `db:"cancel_requested"`
	CronID          sql.NullString `db:"cron_id"`
	IdempotencyKey  sql.NullString `db:"idempotency_key"`
}

func (r *runRow) toRun() (*structs.Run, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("run %s has bad created_at: %w", r.RunID, err)
	}
	run := &structs.Run{
		ID:              r.RunID,
		TaskID:          r.TaskID,
		Params:          json.RawMessage(r.Params),
		Status:          r.Status,
		CreatedAt:       created,
		Error:           r.Error.String,
		LeaseOwner:      r.LeaseOwner.String,
		CancelRequested: r.CancelRequested,
		CronID:          r.CronID.String,
		IdempotencyKey:  r.IdempotencyKey.String,
	}
	if run.StartedAt, err = optTime(r.StartedAt); err != nil {
		return nil, fmt.Errorf("run %s has bad started_at: %w", r.RunID, err)
	}
	if run.FinishedAt, err = optTime(r.FinishedAt); err != nil {
		return nil, fmt.Errorf("run %s has bad finished_at: %w", r.RunID, err)
	}
	if run.LeaseExpiresAt, err = optTime(r.LeaseExpiresAt); err != nil {
		return nil, fmt.Errorf("run %s has bad lease_expires_at: %w", r.RunID, err)
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		run.ExitCode = &code
	}
	if r.PGID.Valid {
		pgid := int(r.PGID.Int64)
		run.PGID = &pgid
	}
	return run, nil
}

func optTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnqueueRequest carries everything needed to insert a queued run.
type EnqueueRequest struct {
	TaskID string
	Params json.RawMessage

	// CronID links a scheduler-materialized run to its entry.
	CronID string

	// IdempotencyKey deduplicates enqueues when set. A repeat key returns
	// the existing run id instead of inserting.
	IdempotencyKey string
}

// EnqueueRun inserts a QUEUED run for a task present and enabled in the
// snapshot. Returns the new (or, with a repeated idempotency key, the
// existing) run id.
func (s *Store) EnqueueRun(req EnqueueRequest, snapshot map[string]TaskView, runID string) (string, error) {
	view, ok := snapshot[req.TaskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", structs.ErrUnknownTask, req.TaskID)
	}
	if !view.Enabled {
		return "", fmt.Errorf("%w: %s", structs.ErrTaskDisabled, req.TaskID)
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	err := s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (run_id, task_id, params, status, created_at, cron_id, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, req.TaskID, string(params), structs.RunStatusQueued,
			formatTime(time.Now()), nullStr(req.CronID), nullStr(req.IdempotencyKey),
		)
		return err
	})
	if err != nil {
		if req.IdempotencyKey != "" && isUniqueViolation(err) {
			var existing string
			gerr := s.db.Get(&existing,
				`SELECT run_id FROM runs WHERE idempotency_key = ?`, req.IdempotencyKey)
			if gerr == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("failed to enqueue run for task %s: %w", req.TaskID, err)
	}

	metrics.IncrCounter([]string{"state", "run", "enqueue"}, 1)
	return runID, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ClaimNext atomically promotes the oldest claimable QUEUED run to RUNNING
// under a fresh lease and returns it, or returns nil when nothing is
// claimable. A run is claimable when its task is enabled and the count of
// RUNNING runs for that task is under the task's concurrency limit.
// taskFilter restricts candidates to the given task ids when non-empty.
func (s *Store) ClaimNext(workerID string, leaseDuration time.Duration, taskFilter []string, snapshot map[string]TaskView) (*structs.Run, error) {
	now := time.Now()
	var claimed *structs.Run

	err := s.withTx(func(tx *sqlx.Tx) error {
		running := map[string]int{}
		rows, err := tx.Query(`
			SELECT task_id, COUNT(*) FROM runs
			WHERE status = ? GROUP BY task_id`, structs.RunStatusRunning)
		if err != nil {
			return err
		}
		for rows.Next() {
			var task string
			var n int
			if err := rows.Scan(&task, &n); err != nil {
				rows.Close()
				return err
			}
			running[task] = n
		}
		if err := rows.Close(); err != nil {
			return err
		}

		allow := map[string]bool{}
		for _, id := range taskFilter {
			allow[id] = true
		}

		// Scan QUEUED runs oldest first in keyset pages so a claimable run
		// behind a long head of capped or filtered tasks is still found.
		lastCreated, lastID := "", ""
		for {
			var candidates []runRow
			if err := tx.Select(&candidates, `
				SELECT * FROM runs WHERE status = ?
					AND (created_at > ? OR (created_at = ? AND run_id > ?))
				ORDER BY created_at ASC, run_id ASC LIMIT ?`,
				structs.RunStatusQueued, lastCreated, lastCreated, lastID,
				claimScanBatch); err != nil {
				return err
			}
			if len(candidates) == 0 {
				return nil
			}

			for _, cand := range candidates {
				if len(allow) > 0 && !allow[cand.TaskID] {
					continue
				}
				view, ok := snapshot[cand.TaskID]
				if !ok || !view.Enabled {
					continue
				}
				if view.ConcurrencyLimit > 0 && running[cand.TaskID] >= view.ConcurrencyLimit {
					continue
				}

				res, err := tx.Exec(`
					UPDATE runs SET status = ?, started_at = ?, lease_owner = ?, lease_expires_at = ?
					WHERE run_id = ? AND status = ?`,
					structs.RunStatusRunning, formatTime(now), workerID,
					formatTime(now.Add(leaseDuration)), cand.RunID, structs.RunStatusQueued,
				)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n != 1 {
					return fmt.Errorf("%w: run %s changed status mid-claim", structs.ErrBadTransition, cand.RunID)
				}

				var row runRow
				if err := tx.Get(&row, `SELECT * FROM runs WHERE run_id = ?`, cand.RunID); err != nil {
					return err
				}
				claimed, err = row.toRun()
				return err
			}

			last := candidates[len(candidates)-1]
			lastCreated, lastID = last.CreatedAt, last.RunID
			if len(candidates) < claimScanBatch {
				return nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	if claimed != nil {
		metrics.IncrCounter([]string{"state", "run", "claim"}, 1)
		s.logger.Debug("claimed run", "run_id", claimed.ID, "task_id", claimed.TaskID, "worker_id", workerID)
	}
	return claimed, nil
}

// RenewLease extends the lease iff the caller still owns the RUNNING run.
// Returns structs.ErrLostLease otherwise; the worker must then abandon the
// run without further writes.
func (s *Store) RenewLease(runID, workerID string, leaseDuration time.Duration) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE runs SET lease_expires_at = ?
			WHERE run_id = ? AND lease_owner = ? AND status = ?`,
			formatTime(time.Now().Add(leaseDuration)), runID, workerID, structs.RunStatusRunning,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("renewing run %s for %s: %w", runID, workerID, structs.ErrLostLease)
		}
		return nil
	})
}

// SetPGID records the child's process group so the reaper can clean up
// orphans after a worker death.
func (s *Store) SetPGID(runID, workerID string, pgid int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE runs SET pgid = ?
			WHERE run_id = ? AND lease_owner = ? AND status = ?`,
			pgid, runID, workerID, structs.RunStatusRunning,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("recording pgid for run %s: %w", runID, structs.ErrLostLease)
		}
		return nil
	})
}

// FinishRun moves a RUNNING run owned by workerID to the given terminal
// status, stamping finished_at and clearing the lease and pgid.
func (s *Store) FinishRun(runID, workerID, status string, exitCode *int, errMsg string) error {
	if !structs.TerminalStatus(status) {
		return fmt.Errorf("%w: %s is not terminal", structs.ErrBadTransition, status)
	}

	err := s.withTx(func(tx *sqlx.Tx) error {
		var code interface{}
		if exitCode != nil {
			code = *exitCode
		}
		res, err := tx.Exec(`
			UPDATE runs SET status = ?, finished_at = ?, exit_code = ?, error = ?,
				lease_owner = NULL, lease_expires_at = NULL, pgid = NULL
			WHERE run_id = ? AND lease_owner = ? AND status = ?`,
			status, formatTime(time.Now()), code, nullStr(errMsg),
			runID, workerID, structs.RunStatusRunning,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("finishing run %s for %s: %w", runID, workerID, structs.ErrLostLease)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.IncrCounter([]string{"state", "run", "finish", status}, 1)
	return nil
}

// RequestCancel marks a run for cancellation. A QUEUED run transitions to
// CANCELED immediately; a RUNNING run keeps its status and the owning
// worker observes the flag. Terminal runs are left alone, making the call
// idempotent.
func (s *Store) RequestCancel(runID string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		var status string
		err := tx.Get(&status, `SELECT status FROM runs WHERE run_id = ?`, runID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("run %s: %w", runID, structs.ErrNotFound)
		}
		if err != nil {
			return err
		}

		switch status {
		case structs.RunStatusQueued:
			_, err = tx.Exec(`
				UPDATE runs SET status = ?, cancel_requested = 1, finished_at = ?, error = ?
				WHERE run_id = ? AND status = ?`,
				structs.RunStatusCanceled, formatTime(time.Now()), "canceled",
				runID, structs.RunStatusQueued,
			)
			return err
		case structs.RunStatusRunning:
			_, err = tx.Exec(`
				UPDATE runs SET cancel_requested = 1 WHERE run_id = ?`, runID)
			return err
		default:
			return nil
		}
	})
}

// CancelRequested reports whether cancellation has been requested for the
// run. The supervisor polls this between lease renewals.
func (s *Store) CancelRequested(runID string) (bool, error) {
	var requested bool
	err := s.db.Get(&requested,
		`SELECT cancel_requested FROM runs WHERE run_id = ?`, runID)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("run %s: %w", runID, structs.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for %s: %w", runID, err)
	}
	return requested, nil
}

// ReapedRun identifies a run whose lease has expired, with enough context
// for the reaper to kill the orphan process group.
type ReapedRun struct {
	RunID      string
	PGID       *int
	LeaseOwner string
}

// ReapExpired lists RUNNING runs whose lease expired before now. The
// status is left untouched; AbandonRun performs the transition after the
// reaper has signaled the process group.
func (s *Store) ReapExpired(now time.Time) ([]ReapedRun, error) {
	var rows []runRow
	err := s.db.Select(&rows, `
		SELECT * FROM runs
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC`,
		structs.RunStatusRunning, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}

	out := make([]ReapedRun, 0, len(rows))
	for _, r := range rows {
		reaped := ReapedRun{RunID: r.RunID, LeaseOwner: r.LeaseOwner.String}
		if r.PGID.Valid {
			pgid := int(r.PGID.Int64)
			reaped.PGID = &pgid
		}
		out = append(out, reaped)
	}
	return out, nil
}

// AbandonRun fails a run whose lease has expired. The expiry check is part
// of the update so a lease renewed between ReapExpired and this call is
// never clobbered.
func (s *Store) AbandonRun(runID, reason string) error {
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE runs SET status = ?, finished_at = ?, error = ?,
				lease_owner = NULL, lease_expires_at = NULL, pgid = NULL
			WHERE run_id = ? AND status = ? AND lease_expires_at < ?`,
			structs.RunStatusFailed, formatTime(time.Now()), reason,
			runID, structs.RunStatusRunning, formatTime(time.Now()),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("abandoning run %s: %w", runID, structs.ErrLostLease)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.IncrCounter([]string{"state", "run", "abandon"}, 1)
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(runID string) (*structs.Run, error) {
	var row runRow
	err := s.db.Get(&row, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}
	return row.toRun()
}

// RunListRequest filters ListRuns. Zero values mean no filter; Limit
// defaults to 100.
type RunListRequest struct {
	TaskID string
	Status string
	Limit  int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(req RunListRequest) ([]*structs.Run, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT * FROM runs WHERE 1=1`
	args := []interface{}{}
	if req.TaskID != "" {
		q += ` AND task_id = ?`
		args = append(args, req.TaskID)
	}
	if req.Status != "" {
		q += ` AND status = ?`
		args = append(args, req.Status)
	}
	q += ` ORDER BY created_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	var rows []runRow
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*structs.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CountRunning returns the number of RUNNING runs for a task. Used by
// tests asserting the concurrency cap.
func (s *Store) CountRunning(taskID string) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND status = ?`,
		taskID, structs.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to count running runs: %w", err)
	}
	return n, nil
}
