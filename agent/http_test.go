// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/taskhub/ci"
	"github.com/hashicorp/taskhub/config"
	"github.com/hashicorp/taskhub/helper/testlog"
	"github.com/hashicorp/taskhub/registry"
	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
	"github.com/shoenig/test/must"
)

func testServer(t *testing.T) (*HTTPServer, *state.Store, *config.Config) {
	t.Helper()
	logger := testlog.HCLogger(t)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "taskhub.db")
	cfg.DataDir = filepath.Join(dir, "data")

	store, err := state.Open(cfg.DBPath, logger)
	must.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(registry.Builtin()...)
	must.NoError(t, err)

	return NewHTTPServer(logger, store, reg, cfg), store, cfg
}

func httpGet(t *testing.T, srv *HTTPServer, path string, out interface{}) int {
	t.Helper()
	return httpDo(t, srv, http.MethodGet, path, nil, out)
}

func httpDo(t *testing.T, srv *HTTPServer, method, path string, body, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		must.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 && rec.Body.Len() > 0 {
		must.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHTTP_ListTasks(t *testing.T) {
	ci.Parallel(t)
	srv, _, _ := testServer(t)

	var tasks []TaskSummary
	code := httpGet(t, srv, "/tasks", &tasks)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 3, tasks)
	must.Eq(t, "echo", tasks[0].ID)
	must.NotNil(t, tasks[0].ParamsSchema)
}

func TestHTTP_EnqueueRun(t *testing.T) {
	ci.Parallel(t)
	srv, store, _ := testServer(t)

	var resp map[string]string
	code := httpDo(t, srv, http.MethodPost, "/tasks/echo/runs",
		map[string]interface{}{"params": map[string]string{"message": "hi"}}, &resp)
	must.Eq(t, http.StatusOK, code)
	must.NotEq(t, "", resp["run_id"])

	run, err := store.GetRun(resp["run_id"])
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusQueued, run.Status)
	must.Eq(t, "echo", run.TaskID)
}

func TestHTTP_EnqueueRun_Validation(t *testing.T) {
	ci.Parallel(t)
	srv, _, _ := testServer(t)

	// Unknown task is a 404.
	code := httpDo(t, srv, http.MethodPost, "/tasks/nope/runs", nil, nil)
	must.Eq(t, http.StatusNotFound, code)

	// Schema violation is a 400.
	code = httpDo(t, srv, http.MethodPost, "/tasks/sleep/runs",
		map[string]interface{}{"params": map[string]string{"seconds": "ten"}}, nil)
	must.Eq(t, http.StatusBadRequest, code)

	// Empty body is fine when the schema has no required fields.
	code = httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", nil, nil)
	must.Eq(t, http.StatusOK, code)
}

func TestHTTP_EnqueueRun_IdempotencyKey(t *testing.T) {
	ci.Parallel(t)
	srv, _, _ := testServer(t)

	body := map[string]interface{}{"idempotency_key": "once"}
	var first, second map[string]string
	must.Eq(t, http.StatusOK, httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", body, &first))
	must.Eq(t, http.StatusOK, httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", body, &second))
	must.Eq(t, first["run_id"], second["run_id"])
}

func TestHTTP_GetRun(t *testing.T) {
	ci.Parallel(t)
	srv, _, _ := testServer(t)

	var created map[string]string
	httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", nil, &created)

	var detail RunDetail
	code := httpGet(t, srv, "/runs/"+created["run_id"], &detail)
	must.Eq(t, http.StatusOK, code)
	must.Eq(t, created["run_id"], detail.ID)
	must.Eq(t, structs.RunStatusQueued, detail.Status)

	code = httpGet(t, srv, "/runs/r-missing", nil)
	must.Eq(t, http.StatusNotFound, code)
}

func TestHTTP_ListRuns(t *testing.T) {
	ci.Parallel(t)
	srv, _, _ := testServer(t)

	for i := 0; i < 3; i++ {
		httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", nil, nil)
	}

	var runs []*structs.Run
	code := httpGet(t, srv, "/runs", &runs)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 3, runs)

	code = httpGet(t, srv, "/runs?status=RUNNING", &runs)
	must.Eq(t, http.StatusOK, code)

	code = httpGet(t, srv, "/runs?status=sideways", nil)
	must.Eq(t, http.StatusBadRequest, code)
}

func TestHTTP_CancelRun(t *testing.T) {
	ci.Parallel(t)
	srv, store, _ := testServer(t)

	var created map[string]string
	httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", nil, &created)

	code := httpDo(t, srv, http.MethodPost, "/runs/"+created["run_id"]+"/cancel", nil, nil)
	must.Eq(t, http.StatusOK, code)

	run, err := store.GetRun(created["run_id"])
	must.NoError(t, err)
	must.Eq(t, structs.RunStatusCanceled, run.Status)

	// Canceling again is idempotent.
	code = httpDo(t, srv, http.MethodPost, "/runs/"+created["run_id"]+"/cancel", nil, nil)
	must.Eq(t, http.StatusOK, code)

	code = httpDo(t, srv, http.MethodPost, "/runs/r-missing/cancel", nil, nil)
	must.Eq(t, http.StatusNotFound, code)
}

func TestHTTP_ListEvents(t *testing.T) {
	ci.Parallel(t)
	srv, store, _ := testServer(t)

	var created map[string]string
	httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", nil, &created)
	runID := created["run_id"]

	for i := 1; i <= 5; i++ {
		_, err := store.AppendEvent(runID, structs.EventTypeStdout,
			json.RawMessage(fmt.Sprintf(`{"line":"l%d"}`, i)))
		must.NoError(t, err)
	}

	var page EventPage
	code := httpGet(t, srv, "/runs/"+runID+"/events?limit=3", &page)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 3, page.Items)
	must.Eq(t, int64(3), page.NextCursor)

	code = httpGet(t, srv, fmt.Sprintf("/runs/%s/events?cursor=%d", runID, page.NextCursor), &page)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 2, page.Items)
	must.Eq(t, int64(4), page.Items[0].Seq)

	// Unknown run 404s instead of paging forever.
	code = httpGet(t, srv, "/runs/r-missing/events", nil)
	must.Eq(t, http.StatusNotFound, code)
}

func TestHTTP_Artifacts(t *testing.T) {
	ci.Parallel(t)
	srv, store, cfg := testServer(t)

	var created map[string]string
	httpDo(t, srv, http.MethodPost, "/tasks/echo/runs", nil, &created)
	runID := created["run_id"]

	// Stage an artifact on disk plus its row, as the executor would.
	runDir := cfg.RunDir(runID)
	must.NoError(t, os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o755))
	must.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "out.txt"), []byte("payload"), 0o644))
	must.NoError(t, store.InsertArtifact(&structs.Artifact{
		ID:        "a-1",
		RunID:     runID,
		FileID:    "out.txt",
		Title:     "Output",
		Kind:      "text",
		Mime:      "text/plain",
		Path:      filepath.Join("artifacts", "out.txt"),
		SizeBytes: 7,
		CreatedAt: time.Now(),
	}))

	var artifacts []*structs.Artifact
	code := httpGet(t, srv, "/runs/"+runID+"/artifacts", &artifacts)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 1, artifacts)

	// Raw download.
	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/files/out.txt", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "payload", rec.Body.String())
	must.StrContains(t, rec.Header().Get("Content-Type"), "text/plain")

	code = httpGet(t, srv, "/runs/"+runID+"/files/missing.txt", nil)
	must.Eq(t, http.StatusNotFound, code)
}

func TestHTTP_Cron(t *testing.T) {
	ci.Parallel(t)
	srv, store, _ := testServer(t)

	// Bad expression rejected up front.
	code := httpDo(t, srv, http.MethodPost, "/cron", map[string]interface{}{
		"task_id": "echo", "cron_expression": "not a cron",
	}, nil)
	must.Eq(t, http.StatusBadRequest, code)

	var entry structs.CronEntry
	code = httpDo(t, srv, http.MethodPost, "/cron", map[string]interface{}{
		"task_id":         "echo",
		"cron_expression": "*/5 * * * *",
		"params":          map[string]string{"message": "tick"},
		"name":            "every five",
	}, &entry)
	must.Eq(t, http.StatusOK, code)
	must.NotEq(t, "", entry.ID)
	must.True(t, entry.Enabled)
	must.True(t, entry.NextRunAt.After(time.Now()))

	var entries []*structs.CronEntry
	code = httpGet(t, srv, "/cron", &entries)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 1, entries)

	// Manual trigger enqueues without advancing the cadence.
	var triggered map[string]string
	code = httpDo(t, srv, http.MethodPost, "/cron/"+entry.ID+"/trigger", nil, &triggered)
	must.Eq(t, http.StatusOK, code)

	run, err := store.GetRun(triggered["run_id"])
	must.NoError(t, err)
	must.Eq(t, entry.ID, run.CronID)
	must.Eq(t, `{"message":"tick"}`, string(run.Params))

	after, err := store.GetCron(entry.ID)
	must.NoError(t, err)
	must.True(t, after.NextRunAt.Equal(entry.NextRunAt))

	// Delete, then 404 on repeat.
	code = httpDo(t, srv, http.MethodDelete, "/cron/"+entry.ID, nil, nil)
	must.Eq(t, http.StatusNoContent, code)
	code = httpDo(t, srv, http.MethodDelete, "/cron/"+entry.ID, nil, nil)
	must.Eq(t, http.StatusNotFound, code)
}

func TestHTTP_Workers(t *testing.T) {
	ci.Parallel(t)
	srv, store, _ := testServer(t)

	must.NoError(t, store.UpsertWorker(&structs.WorkerInfo{
		ID:       "w-1",
		Hostname: "host",
		PID:      42,
		Status:   structs.WorkerStatusIdle,
	}))

	var workers []*structs.WorkerInfo
	code := httpGet(t, srv, "/workers", &workers)
	must.Eq(t, http.StatusOK, code)
	must.Len(t, 1, workers)
	must.Eq(t, "w-1", workers[0].ID)
}

func TestHTTP_StartShutdown(t *testing.T) {
	ci.Parallel(t)
	srv, _, cfg := testServer(t)
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", ci.PortAllocator.One())

	must.NoError(t, srv.Start())
	must.NotEq(t, "", srv.Addr)

	resp, err := http.Get("http://" + srv.Addr + "/tasks")
	must.NoError(t, err)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	must.NoError(t, srv.Shutdown(ctx))
}
