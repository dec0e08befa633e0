// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package agent exposes the TaskHub HTTP API over the store and registry.
// It can optionally co-host the scheduler and reaper loops so a small
// deployment needs only an agent plus workers.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/taskhub/config"
	"github.com/hashicorp/taskhub/registry"
	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
)

// HTTPServer wires the API routes over the store and registry.
type HTTPServer struct {
	logger   hclog.Logger
	store    *state.Store
	registry *registry.Registry
	cfg      *config.Config

	srv      *http.Server
	listener net.Listener

	// Addr is the bound address, available after Start.
	Addr string
}

// NewHTTPServer builds the server without binding it.
func NewHTTPServer(logger hclog.Logger, store *state.Store, reg *registry.Registry, cfg *config.Config) *HTTPServer {
	s := &HTTPServer{
		logger:   logger.Named("http"),
		store:    store,
		registry: reg,
		cfg:      cfg,
	}

	r := mux.NewRouter()
	r.HandleFunc("/tasks", s.wrap(s.listTasks)).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{task_id}/runs", s.wrap(s.enqueueRun)).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.wrap(s.listRuns)).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}", s.wrap(s.getRun)).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/cancel", s.wrap(s.cancelRun)).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/events", s.wrap(s.listEvents)).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/artifacts", s.wrap(s.listArtifacts)).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/files/{file_id}", s.serveFile).Methods(http.MethodGet)
	r.HandleFunc("/workers", s.wrap(s.listWorkers)).Methods(http.MethodGet)
	r.HandleFunc("/cron", s.wrap(s.listCron)).Methods(http.MethodGet)
	r.HandleFunc("/cron", s.wrap(s.createCron)).Methods(http.MethodPost)
	r.HandleFunc("/cron/{cron_id}", s.wrap(s.deleteCron)).Methods(http.MethodDelete)
	r.HandleFunc("/cron/{cron_id}/trigger", s.wrap(s.triggerCron)).Methods(http.MethodPost)

	accessLog := s.logger.StandardWriter(&hclog.StandardLoggerOptions{})
	s.srv = &http.Server{
		Handler: handlers.CombinedLoggingHandler(accessLog, r),
	}
	return s
}

// Start binds the configured address and serves in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.HTTPAddr, err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	s.logger.Info("api listening", "address", s.Addr)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.srv.Handler
}

// codedError carries an HTTP status with an error, mirroring the agent
// convention of mapping handler failures onto response codes in one place.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func httpErr(code int, err error) error {
	return &codedError{code: code, err: err}
}

type apiHandler func(w http.ResponseWriter, req *http.Request) (interface{}, error)

// wrap converts a handler's (obj, err) into a JSON response, translating
// the store's sentinel errors into status codes.
func (s *HTTPServer) wrap(handler apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		obj, err := handler(w, req)
		if err != nil {
			code := http.StatusInternalServerError
			var coded *codedError
			switch {
			case errors.As(err, &coded):
				code = coded.code
			case errors.Is(err, structs.ErrNotFound):
				code = http.StatusNotFound
			case errors.Is(err, structs.ErrUnknownTask):
				code = http.StatusNotFound
			case errors.Is(err, structs.ErrTaskDisabled):
				code = http.StatusConflict
			}
			if code >= http.StatusInternalServerError {
				s.logger.Error("request failed", "path", req.URL.Path, "error", err)
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		if obj == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, obj)
	}
}

func writeJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(obj)
}

func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return httpErr(http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func queryInt(req *http.Request, key string, fallback int) (int, error) {
	v := req.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, httpErr(http.StatusBadRequest, fmt.Errorf("invalid %s %q", key, v))
	}
	return n, nil
}
