// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"encoding/json"
	"unicode/utf8"
)

// MaxEventLineBytes bounds a single child output line before it is wrapped
// into an event. Longer lines are truncated and flagged.
const MaxEventLineBytes = 16 * 1024

// ChildEvent is the wire format tasks emit on stdout, one JSON object per
// line: {"type":"progress","data":{"pct":50}}. Unknown types are stored
// verbatim; lines that do not parse are wrapped as stdout events.
type ChildEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Pct float64 `json:"pct"`
}

// ArtifactData is the payload of an artifact event. Path is relative to the
// run's artifacts directory; FileID defaults to the path when empty.
type ArtifactData struct {
	Title  string `json:"title"`
	Kind   string `json:"kind"`
	Mime   string `json:"mime"`
	Path   string `json:"path"`
	FileID string `json:"file_id,omitempty"`
}

// LineData wraps a raw output line as event data.
type LineData struct {
	Line      string `json:"line"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ParseChildLine interprets one line of child stdout. A well-formed
// ChildEvent with a non-empty type passes through; anything else becomes a
// stdout event wrapping the (possibly truncated) line.
func ParseChildLine(line string) ChildEvent {
	truncated := false
	if len(line) > MaxEventLineBytes {
		line = truncateUTF8(line, MaxEventLineBytes)
		truncated = true
	}

	if !truncated && len(line) > 0 && line[0] == '{' {
		var ev ChildEvent
		if err := json.Unmarshal([]byte(line), &ev); err == nil && ev.Type != "" {
			if len(ev.Data) == 0 {
				ev.Data = json.RawMessage(`null`)
			}
			return ev
		}
	}

	return WrapLine(EventTypeStdout, line, truncated)
}

// WrapLine builds a stdout/stderr event carrying a raw line.
func WrapLine(eventType, line string, truncated bool) ChildEvent {
	data, _ := json.Marshal(LineData{Line: line, Truncated: truncated})
	return ChildEvent{Type: eventType, Data: data}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 {
		if r, _ := utf8.DecodeLastRuneInString(cut); r != utf8.RuneError {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}
