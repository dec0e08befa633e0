// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/hashicorp/taskhub/helper/ids"
	"github.com/hashicorp/taskhub/scheduler"
	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
)

// TaskSummary is the API view of a registered task.
type TaskSummary struct {
	ID               string          `json:"task_id"`
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	Enabled          bool            `json:"is_enabled"`
	ConcurrencyLimit int             `json:"concurrency_limit,omitempty"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty"`
	ParamsSchema     json.RawMessage `json:"params_schema,omitempty"`
}

func (s *HTTPServer) listTasks(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	specs := s.registry.List()
	out := make([]TaskSummary, 0, len(specs))
	for _, spec := range specs {
		summary := TaskSummary{
			ID:               spec.ID,
			Name:             spec.Name,
			Version:          spec.Version,
			Enabled:          spec.Enabled,
			ConcurrencyLimit: spec.ConcurrencyLimit,
			TimeoutSeconds:   spec.TimeoutSeconds,
		}
		if spec.ParamsSchema != nil {
			if raw, err := spec.ParamsSchema.MarshalJSON(); err == nil {
				summary.ParamsSchema = raw
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

type enqueueBody struct {
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (s *HTTPServer) enqueueRun(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	taskID := mux.Vars(req)["task_id"]

	var body enqueueBody
	if req.ContentLength != 0 {
		if err := decodeBody(req, &body); err != nil {
			return nil, err
		}
	}

	spec := s.registry.Get(taskID)
	if spec == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, structs.ErrUnknownTask)
	}
	if err := spec.ValidateParams(body.Params); err != nil {
		return nil, httpErr(http.StatusBadRequest, err)
	}

	runID, err := s.store.EnqueueRun(state.EnqueueRequest{
		TaskID:         taskID,
		Params:         body.Params,
		IdempotencyKey: body.IdempotencyKey,
	}, s.registry.Snapshot(), ids.Run())
	if err != nil {
		return nil, err
	}
	return map[string]string{"run_id": runID}, nil
}

func (s *HTTPServer) listRuns(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	limit, err := queryInt(req, "limit", 100)
	if err != nil {
		return nil, err
	}
	status := req.URL.Query().Get("status")
	if status != "" && !structs.ValidRunStatus(status) {
		return nil, httpErr(http.StatusBadRequest, fmt.Errorf("invalid status %q", status))
	}
	return s.store.ListRuns(state.RunListRequest{
		TaskID: req.URL.Query().Get("task_id"),
		Status: status,
		Limit:  limit,
	})
}

// RunDetail augments a run with its wall-clock duration.
type RunDetail struct {
	*structs.Run
	DurationMS int64 `json:"duration_ms"`
}

func (s *HTTPServer) getRun(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	run, err := s.store.GetRun(mux.Vars(req)["run_id"])
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, DurationMS: run.Elapsed().Milliseconds()}, nil
}

func (s *HTTPServer) cancelRun(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	runID := mux.Vars(req)["run_id"]
	if err := s.store.RequestCancel(runID); err != nil {
		return nil, err
	}
	return map[string]string{"run_id": runID, "cancel": "requested"}, nil
}

// EventPage is one page of a run's event log.
type EventPage struct {
	Items      []*structs.Event `json:"items"`
	NextCursor int64            `json:"next_cursor"`
}

func (s *HTTPServer) listEvents(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	runID := mux.Vars(req)["run_id"]
	cursor, err := queryInt(req, "cursor", 0)
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(req, "limit", 100)
	if err != nil {
		return nil, err
	}

	// Existence check so an unknown run 404s instead of returning an
	// empty page forever.
	if _, err := s.store.GetRun(runID); err != nil {
		return nil, err
	}

	items, next, err := s.store.ListEvents(runID, int64(cursor), limit)
	if err != nil {
		return nil, err
	}
	return &EventPage{Items: items, NextCursor: next}, nil
}

func (s *HTTPServer) listArtifacts(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	runID := mux.Vars(req)["run_id"]
	if _, err := s.store.GetRun(runID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(runID)
}

// serveFile streams an artifact from disk. The stored path is relative to
// the run directory and was validated against traversal at insert time;
// it is re-validated here anyway before touching the filesystem.
func (s *HTTPServer) serveFile(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	artifact, err := s.store.GetArtifactByFileID(vars["run_id"], vars["file_id"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	runDir, err := filepath.Abs(s.cfg.RunDir(artifact.RunID))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	full := filepath.Join(runDir, filepath.Clean("/"+artifact.Path)[1:])
	if _, err := os.Stat(full); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact file missing"})
		return
	}

	w.Header().Set("Content-Type", artifact.Mime)
	http.ServeFile(w, req, full)
}

func (s *HTTPServer) listWorkers(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.store.ListWorkers()
}

func (s *HTTPServer) listCron(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.store.ListCron()
}

type createCronBody struct {
	TaskID     string          `json:"task_id"`
	Expression string          `json:"cron_expression"`
	Params     json.RawMessage `json:"params"`
	Name       string          `json:"name"`
	Enabled    *bool           `json:"is_enabled,omitempty"`
}

func (s *HTTPServer) createCron(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body createCronBody
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	spec := s.registry.Get(body.TaskID)
	if spec == nil {
		return nil, fmt.Errorf("task %s: %w", body.TaskID, structs.ErrUnknownTask)
	}
	if err := spec.ValidateParams(body.Params); err != nil {
		return nil, httpErr(http.StatusBadRequest, err)
	}

	next, err := scheduler.NextAfter(body.Expression, time.Now())
	if err != nil {
		return nil, httpErr(http.StatusBadRequest, err)
	}

	entry := &structs.CronEntry{
		ID:         ids.Cron(),
		TaskID:     body.TaskID,
		Expression: body.Expression,
		Params:     body.Params,
		Name:       body.Name,
		Enabled:    body.Enabled == nil || *body.Enabled,
		NextRunAt:  next,
	}
	if err := s.store.CreateCron(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *HTTPServer) deleteCron(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	if err := s.store.DeleteCron(mux.Vars(req)["cron_id"]); err != nil {
		return nil, err
	}
	return nil, nil
}

// triggerCron enqueues a one-off run with the entry's stored params. The
// cron cadence is untouched: next_run_at is not advanced.
func (s *HTTPServer) triggerCron(w http.ResponseWriter, req *http.Request) (interface{}, error) {
	entry, err := s.store.GetCron(mux.Vars(req)["cron_id"])
	if err != nil {
		return nil, err
	}

	runID, err := s.store.EnqueueRun(state.EnqueueRequest{
		TaskID: entry.TaskID,
		Params: entry.Params,
		CronID: entry.ID,
	}, s.registry.Snapshot(), ids.Run())
	if err != nil {
		return nil, err
	}
	return map[string]string{"run_id": runID}, nil
}
