// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Builtin returns the demo tasks shipped with TaskHub. They double as
// smoke tests for operators: echo exercises the happy path, sleep the
// cancellation path, and showcase the structured event and artifact
// pipeline.
func Builtin() []*TaskSpec {
	return []*TaskSpec{
		echoTask(),
		sleepTask(),
		showcaseTask(),
	}
}

func echoTask() *TaskSpec {
	schema := openapi3.NewObjectSchema().
		WithProperty("message", openapi3.NewStringSchema())
	return &TaskSpec{
		ID:           "echo",
		Name:         "Echo",
		Version:      "1.0.0",
		Enabled:      true,
		ParamsSchema: schema,
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			var p struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.Message == "" {
				p.Message = "hello from taskhub"
			}
			return []string{"sh", "-c", fmt.Sprintf("echo %q", p.Message)}, nil
		},
	}
}

func sleepTask() *TaskSpec {
	schema := openapi3.NewObjectSchema().
		WithProperty("seconds", openapi3.NewIntegerSchema().WithMin(0).WithMax(3600))
	return &TaskSpec{
		ID:               "sleep",
		Name:             "Sleep",
		Version:          "1.0.0",
		Enabled:          true,
		ConcurrencyLimit: 4,
		ParamsSchema:     schema,
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			var p struct {
				Seconds int `json:"seconds"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.Seconds <= 0 {
				p.Seconds = 10
			}
			return []string{"sh", "-c", fmt.Sprintf("sleep %d", p.Seconds)}, nil
		},
	}
}

// showcaseTask emits progress events and writes an artifact, exercising
// the full child wire protocol.
func showcaseTask() *TaskSpec {
	schema := openapi3.NewObjectSchema().
		WithProperty("steps", openapi3.NewIntegerSchema().WithMin(1).WithMax(100))
	script := `
steps=${STEPS:-5}
i=1
while [ "$i" -le "$steps" ]; do
  pct=$((i * 100 / steps))
  printf '{"type":"progress","data":{"pct":%d}}\n' "$pct"
  i=$((i + 1))
done
echo "writing report artifact"
printf 'step count: %s\n' "$steps" > "$TASKHUB_ARTIFACTS_DIR/report.txt"
printf '{"type":"artifact","data":{"title":"Report","kind":"text","mime":"text/plain","path":"report.txt"}}\n'
`
	return &TaskSpec{
		ID:             "showcase",
		Name:           "Showcase",
		Version:        "1.0.0",
		Enabled:        true,
		TimeoutSeconds: 120,
		ParamsSchema:   schema,
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			var p struct {
				Steps int `json:"steps"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.Steps <= 0 {
				p.Steps = 5
			}
			return []string{"sh", "-c", fmt.Sprintf("STEPS=%d; %s", p.Steps, script)}, nil
		},
	}
}
