// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hashicorp/taskhub/structs"
)

type artifactRow struct {
	ArtifactID string `db:"artifact_id"`
	RunID      string `db:"run_id"`
	FileID     string `db:"file_id"`
	Title      string `db:"title"`
	Kind       string `db:"kind"`
	Mime       string `db:"mime"`
	Path       string `db:"path"`
	SizeBytes  int64  `db:"size_bytes"`
	CreatedAt  string `db:"created_at"`
}

func (a *artifactRow) toArtifact() (*structs.Artifact, error) {
	created, err := parseTime(a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("artifact %s has bad created_at: %w", a.ArtifactID, err)
	}
	return &structs.Artifact{
		ID:        a.ArtifactID,
		RunID:     a.RunID,
		FileID:    a.FileID,
		Title:     a.Title,
		Kind:      a.Kind,
		Mime:      a.Mime,
		Path:      a.Path,
		SizeBytes: a.SizeBytes,
		CreatedAt: created,
	}, nil
}

// InsertArtifact records an artifact row. A repeated (run_id, file_id)
// pair updates the existing row in place, so re-announcing an artifact is
// harmless.
func (s *Store) InsertArtifact(a *structs.Artifact) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO artifacts (artifact_id, run_id, file_id, title, kind, mime, path, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, file_id) DO UPDATE SET
				title = excluded.title, kind = excluded.kind, mime = excluded.mime,
				path = excluded.path, size_bytes = excluded.size_bytes`,
			a.ID, a.RunID, a.FileID, a.Title, a.Kind, a.Mime, a.Path,
			a.SizeBytes, formatTime(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert artifact %s for run %s: %w", a.FileID, a.RunID, err)
		}
		return nil
	})
}

// ListArtifacts returns a run's artifacts oldest first.
func (s *Store) ListArtifacts(runID string) ([]*structs.Artifact, error) {
	var rows []artifactRow
	err := s.db.Select(&rows, `
		SELECT * FROM artifacts WHERE run_id = ? ORDER BY created_at ASC, artifact_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for run %s: %w", runID, err)
	}

	artifacts := make([]*structs.Artifact, 0, len(rows))
	for _, row := range rows {
		a, err := row.toArtifact()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// GetArtifactByFileID resolves a run-scoped file id for download.
func (s *Store) GetArtifactByFileID(runID, fileID string) (*structs.Artifact, error) {
	var row artifactRow
	err := s.db.Get(&row, `
		SELECT * FROM artifacts WHERE run_id = ? AND file_id = ?`, runID, fileID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s/%s: %w", runID, fileID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact %s/%s: %w", runID, fileID, err)
	}
	return row.toArtifact()
}

type workerRow struct {
	WorkerID      string         `db:"worker_id"`
	Hostname      string         `db:"hostname"`
	PID           int            `db:"pid"`
	Status        string         `db:"status"`
	RunID         sql.NullString `db:"run_id"`
	LastHeartbeat string         `db:"last_heartbeat"`
}

// UpsertWorker registers or refreshes a worker row, stamping the
// heartbeat. Workers only ever write their own row.
func (s *Store) UpsertWorker(w *structs.WorkerInfo) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO workers (worker_id, hostname, pid, status, run_id, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (worker_id) DO UPDATE SET
				status = excluded.status, run_id = excluded.run_id,
				last_heartbeat = excluded.last_heartbeat`,
			w.ID, w.Hostname, w.PID, w.Status, nullStr(w.RunID), formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert worker %s: %w", w.ID, err)
		}
		return nil
	})
}

// ListWorkers returns the registry snapshot, most recent heartbeat first.
func (s *Store) ListWorkers() ([]*structs.WorkerInfo, error) {
	var rows []workerRow
	err := s.db.Select(&rows, `
		SELECT * FROM workers ORDER BY last_heartbeat DESC, worker_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]*structs.WorkerInfo, 0, len(rows))
	for _, row := range rows {
		hb, err := parseTime(row.LastHeartbeat)
		if err != nil {
			return nil, fmt.Errorf("worker %s has bad heartbeat: %w", row.WorkerID, err)
		}
		workers = append(workers, &structs.WorkerInfo{
			ID:            row.WorkerID,
			Hostname:      row.Hostname,
			PID:           row.PID,
			Status:        row.Status,
			RunID:         row.RunID.String,
			LastHeartbeat: hb,
		})
	}
	return workers, nil
}

// PruneWorkers removes registry rows whose heartbeat is older than the
// cutoff. Purely cosmetic; affects API reporting only.
func (s *Store) PruneWorkers(olderThan time.Time) (int, error) {
	var pruned int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM workers WHERE last_heartbeat < ?`, formatTime(olderThan))
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune workers: %w", err)
	}
	return int(pruned), nil
}
