// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package structs holds the shared data model for TaskHub: runs, events,
// artifacts, cron entries and the worker registry. All components exchange
// these types; the state package is responsible for persisting them.
package structs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// RunStatusQueued is the initial status of a run. A queued run holds no
	// lease and has no process group.
	RunStatusQueued = "QUEUED"

	// RunStatusRunning indicates a worker holds the lease and a child
	// process may be executing.
	RunStatusRunning = "RUNNING"

	// RunStatusSucceeded is terminal: the child exited zero without a
	// cancellation request.
	RunStatusSucceeded = "SUCCEEDED"

	// RunStatusFailed is terminal: non-zero exit, spawn failure, build
	// failure, or lease expiry.
	RunStatusFailed = "FAILED"

	// RunStatusCanceled is terminal: cancellation was requested before the
	// run reached a terminal status.
	RunStatusCanceled = "CANCELED"
)

const (
	WorkerStatusIdle = "IDLE"
	WorkerStatusBusy = "BUSY"
)

const (
	// EventTypeLog is a structured log line emitted by the child.
	EventTypeLog = "log"

	// EventTypeProgress carries {"pct": 0..100}.
	EventTypeProgress = "progress"

	// EventTypeArtifact announces a file under the run's artifacts dir.
	EventTypeArtifact = "artifact"

	// EventTypeStdout wraps a non-JSON stdout line.
	EventTypeStdout = "stdout"

	// EventTypeStderr wraps a stderr line.
	EventTypeStderr = "stderr"

	// EventTypeSystem records actions taken by TaskHub itself (reap,
	// cancel, shutdown).
	EventTypeSystem = "system"
)

var (
	// ErrUnknownTask is returned when enqueueing against a task id that is
	// not present in the registry snapshot.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTaskDisabled is returned when enqueueing against a disabled task.
	ErrTaskDisabled = errors.New("task disabled")

	// ErrLostLease indicates the caller no longer owns the run. The worker
	// must abandon the run without writing to it.
	ErrLostLease = errors.New("lease lost")

	// ErrNotFound is returned for lookups of missing rows.
	ErrNotFound = errors.New("not found")

	// ErrBadTransition is returned for status updates that violate the run
	// state machine.
	ErrBadTransition = errors.New("invalid status transition")
)

// TerminalStatus returns whether the given run status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// ValidRunStatus returns whether s is one of the five run statuses.
func ValidRunStatus(s string) bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Run is one execution attempt of a task with concrete parameters. The run
// id is assigned at insert and never changes. Retries are new runs.
type Run struct {
	ID              string          `json:"run_id"`
	TaskID          string          `json:"task_id"`
	Params          json.RawMessage `json:"params"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Error           string          `json:"error,omitempty"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	PGID            *int            `json:"pgid,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CronID          string          `json:"cron_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// Elapsed returns the wall time of the run: finished-started while
// terminal, now-started while running, zero while queued.
func (r *Run) Elapsed() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// Copy returns a deep copy of the run.
func (r *Run) Copy() *Run {
	if r == nil {
		return nil
	}
	nr := *r
	if r.Params != nil {
		nr.Params = append(json.RawMessage(nil), r.Params...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		nr.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		nr.FinishedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		nr.ExitCode = &c
	}
	if r.LeaseExpiresAt != nil {
		t := *r.LeaseExpiresAt
		nr.LeaseExpiresAt = &t
	}
	if r.PGID != nil {
		p := *r.PGID
		nr.PGID = &p
	}
	return &nr
}

// Validate checks the run's internal invariants. The state package calls
// this before every insert and after every transition in tests.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("missing run id")
	}
	if r.TaskID == "" {
		return fmt.Errorf("missing task id")
	}
	if !ValidRunStatus(r.Status) {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	switch r.Status {
	case RunStatusQueued:
		if r.LeaseOwner != "" || r.PGID != nil || r.StartedAt != nil {
			return fmt.Errorf("queued run %s carries lease state", r.ID)
		}
	case RunStatusRunning:
		if r.LeaseOwner == "" || r.LeaseExpiresAt == nil || r.StartedAt == nil {
			return fmt.Errorf("running run %s missing lease state", r.ID)
		}
	default:
		if r.FinishedAt == nil {
			return fmt.Errorf("terminal run %s missing finished_at", r.ID)
		}
		if r.LeaseOwner != "" || r.LeaseExpiresAt != nil {
			return fmt.Errorf("terminal run %s still holds a lease", r.ID)
		}
	}
	return nil
}

// Event is one entry in a run's append-only event log. Seq starts at 1 and
// increases by exactly 1 per event; the state package owns assignment.
type Event struct {
	RunID string          `json:"run_id"`
	Seq   int64           `json:"seq"`
	TS    time.Time       `json:"ts"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// Artifact references a file produced by a run, rooted under the run
// directory. Path is always relative to data/runs/<run_id>/.
type Artifact struct {
	ID        string    `json:"artifact_id"`
	RunID     string    `json:"run_id"`
	FileID    string    `json:"file_id"`
	Title     string    `json:"title"`
	Kind      string    `json:"kind"`
	Mime      string    `json:"mime"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerInfo is the soft-state registry row a worker maintains about
// itself. Pruning a stale row has no effect on correctness.
type WorkerInfo struct {
	ID            string    `json:"worker_id"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Status        string    `json:"status"`
	RunID         string    `json:"run_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CronEntry is a stored schedule that materializes runs over time.
type CronEntry struct {
	ID         string          `json:"cron_id"`
	TaskID     string          `json:"task_id"`
	Expression string          `json:"cron_expression"`
	Params     json.RawMessage `json:"params"`
	Name       string          `json:"name"`
	Enabled    bool            `json:"is_enabled"`
	NextRunAt  time.Time       `json:"next_run_at"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
}
