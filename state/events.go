// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hashicorp/taskhub/structs"
)

// AppendEvent appends an event with the next sequence number for the run
// and returns that number. Assignment and insert share one transaction, so
// sequences are gapless and duplicate-free even across processes.
func (s *Store) AppendEvent(runID, eventType string, data json.RawMessage) (int64, error) {
	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}

	var seq int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		if err := tx.Get(&seq, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, runID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO events (run_id, seq, ts, type, data) VALUES (?, ?, ?, ?, ?)`,
			runID, seq, formatTime(time.Now()), eventType, string(data),
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append %s event to run %s: %w", eventType, runID, err)
	}
	return seq, nil
}

// AppendSystemEvent records an action TaskHub itself took on a run. Failure
// to record is logged, not propagated; system events are advisory.
func (s *Store) AppendSystemEvent(runID, message string, kv map[string]interface{}) {
	payload := map[string]interface{}{"message": message}
	for k, v := range kv {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	if _, err := s.AppendEvent(runID, structs.EventTypeSystem, data); err != nil {
		s.logger.Warn("failed to append system event", "run_id", runID, "error", err)
	}
}

type eventRow struct {
	RunID string `db:"run_id"`
	Seq   int64  `db:"seq"`
	TS    string `db:"ts"`
	Type  string `db:"type"`
	Data  string `db:"data"`
}

// ListEvents reads events with seq > afterSeq in order, up to limit. The
// second return value is the cursor to pass next time: the last seq
// returned, or afterSeq when the page is empty.
func (s *Store) ListEvents(runID string, afterSeq int64, limit int) ([]*structs.Event, int64, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []eventRow
	err := s.db.Select(&rows, `
		SELECT * FROM events WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events for run %s: %w", runID, err)
	}

	events := make([]*structs.Event, 0, len(rows))
	cursor := afterSeq
	for _, row := range rows {
		ts, err := parseTime(row.TS)
		if err != nil {
			return nil, 0, fmt.Errorf("event %s/%d has bad ts: %w", row.RunID, row.Seq, err)
		}
		events = append(events, &structs.Event{
			RunID: row.RunID,
			Seq:   row.Seq,
			TS:    ts,
			Type:  row.Type,
			Data:  json.RawMessage(row.Data),
		})
		cursor = row.Seq
	}
	return events, cursor, nil
}
