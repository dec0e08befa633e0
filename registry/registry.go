// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package registry holds the in-memory task catalog. Tasks are registered
// at process start and the registry is immutable afterwards; hot reload is
// deliberately unsupported.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/hashicorp/taskhub/state"
)

// TaskSpec describes one registered task: its identity, run policy, the
// schema its parameters must satisfy, and the function that turns
// validated parameters into an argv.
type TaskSpec struct {
	ID      string
	Name    string
	Version string
	Enabled bool

	// ConcurrencyLimit caps simultaneously RUNNING runs of this task.
	// Zero means unlimited.
	ConcurrencyLimit int

	// TimeoutSeconds bounds a single run's wall time. Zero means no
	// timeout. Expiry is handled as an internal cancellation.
	TimeoutSeconds int

	// ParamsSchema validates the params JSON at enqueue time.
	ParamsSchema *openapi3.Schema

	// BuildCommand produces the argv for a run. An error here fails the
	// run before any process is spawned.
	BuildCommand func(params json.RawMessage) ([]string, error)
}

// Validate checks a spec is registrable.
func (t *TaskSpec) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task spec missing id")
	}
	if t.Name == "" {
		return fmt.Errorf("task %s missing name", t.ID)
	}
	if t.BuildCommand == nil {
		return fmt.Errorf("task %s missing build command", t.ID)
	}
	if t.ConcurrencyLimit < 0 {
		return fmt.Errorf("task %s has negative concurrency limit", t.ID)
	}
	if t.TimeoutSeconds < 0 {
		return fmt.Errorf("task %s has negative timeout", t.ID)
	}
	return nil
}

// ValidateParams checks params against the task's schema. Tasks without a
// schema accept any JSON object.
func (t *TaskSpec) ValidateParams(params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var value interface{}
	if err := json.Unmarshal(params, &value); err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if t.ParamsSchema == nil {
		return nil
	}
	if err := t.ParamsSchema.VisitJSON(value); err != nil {
		return fmt.Errorf("params rejected by schema for task %s: %w", t.ID, err)
	}
	return nil
}

// Registry is the process-wide read-only task catalog.
type Registry struct {
	tasks map[string]*TaskSpec
}

// New builds a registry from the given specs. Duplicate ids and invalid
// specs are rejected.
func New(specs ...*TaskSpec) (*Registry, error) {
	tasks := make(map[string]*TaskSpec, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, exists := tasks[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %s", spec.ID)
		}
		tasks[spec.ID] = spec
	}
	return &Registry{tasks: tasks}, nil
}

// Get returns a task spec, or nil when the id is unknown.
func (r *Registry) Get(taskID string) *TaskSpec {
	return r.tasks[taskID]
}

// List returns all specs sorted by id.
func (r *Registry) List() []*TaskSpec {
	out := make([]*TaskSpec, 0, len(r.tasks))
	for _, spec := range r.tasks {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot produces the admission view the state layer consumes for
// enqueue and claim decisions.
func (r *Registry) Snapshot() map[string]state.TaskView {
	snap := make(map[string]state.TaskView, len(r.tasks))
	for id, spec := range r.tasks {
		snap[id] = state.TaskView{
			TaskID:           id,
			Enabled:          spec.Enabled,
			ConcurrencyLimit: spec.ConcurrencyLimit,
		}
	}
	return snap
}
