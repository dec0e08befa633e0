// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hashicorp/taskhub/structs"
)

type cronRow struct {
	CronID         string         `db:"cron_id"`
	TaskID         string         `db:"task_id"`
	CronExpression string         `db:"cron_expression"`
	Params         string         `db:"params"`
	Name           string         `db:"name"`
	IsEnabled      bool           `db:"is_enabled"`
	NextRunAt      string         `db:"next_run_at"`
	LastRunAt      sql.NullString `db:"last_run_at"`
}

func (c *cronRow) toEntry() (*structs.CronEntry, error) {
	next, err := parseTime(c.NextRunAt)
	if err != nil {
		return nil, fmt.Errorf("cron %s has bad next_run_at: %w", c.CronID, err)
	}
	entry := &structs.CronEntry{
		ID:         c.CronID,
		TaskID:     c.TaskID,
		Expression: c.CronExpression,
		Params:     json.RawMessage(c.Params),
		Name:       c.Name,
		Enabled:    c.IsEnabled,
		NextRunAt:  next,
	}
	if entry.LastRunAt, err = optTime(c.LastRunAt); err != nil {
		return nil, fmt.Errorf("cron %s has bad last_run_at: %w", c.CronID, err)
	}
	return entry, nil
}

// CreateCron inserts a cron entry. NextRunAt must already be computed by
// the caller from the expression.
func (s *Store) CreateCron(entry *structs.CronEntry) error {
	params := entry.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO cron_entries (cron_id, task_id, cron_expression, params, name, is_enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.TaskID, entry.Expression, string(params),
			entry.Name, entry.Enabled, formatTime(entry.NextRunAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create cron entry %s: %w", entry.ID, err)
		}
		return nil
	})
}

// GetCron fetches one entry by id.
func (s *Store) GetCron(cronID string) (*structs.CronEntry, error) {
	var row cronRow
	err := s.db.Get(&row, `SELECT * FROM cron_entries WHERE cron_id = ?`, cronID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cron %s: %w", cronID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cron %s: %w", cronID, err)
	}
	return row.toEntry()
}

// ListCron returns all entries ordered by id.
func (s *Store) ListCron() ([]*structs.CronEntry, error) {
	var rows []cronRow
	if err := s.db.Select(&rows, `SELECT * FROM cron_entries ORDER BY cron_id ASC`); err != nil {
		return nil, fmt.Errorf("failed to list cron entries: %w", err)
	}
	entries := make([]*structs.CronEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DeleteCron removes an entry. Runs it already materialized are kept.
func (s *Store) DeleteCron(cronID string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM cron_entries WHERE cron_id = ?`, cronID)
		if err != nil {
			return fmt.Errorf("failed to delete cron %s: %w", cronID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("cron %s: %w", cronID, structs.ErrNotFound)
		}
		return nil
	})
}

// PollDueCron lists enabled entries due at or before now, soonest first.
func (s *Store) PollDueCron(now time.Time) ([]*structs.CronEntry, error) {
	var rows []cronRow
	err := s.db.Select(&rows, `
		SELECT * FROM cron_entries WHERE is_enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to poll due cron entries: %w", err)
	}
	entries := make([]*structs.CronEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AdvanceCron stamps the last fire time and moves next_run_at forward.
// Called after each materialization, and also when an entry is skipped so
// a broken entry cannot wedge the scheduler loop.
func (s *Store) AdvanceCron(cronID string, firedAt, next time.Time) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE cron_entries SET last_run_at = ?, next_run_at = ? WHERE cron_id = ?`,
			formatTime(firedAt), formatTime(next), cronID,
		)
		if err != nil {
			return fmt.Errorf("failed to advance cron %s: %w", cronID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("cron %s: %w", cronID, structs.ErrNotFound)
		}
		return nil
	})
}
