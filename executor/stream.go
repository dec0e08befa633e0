// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/taskhub/structs"
)

const (
	// eventQueueSize bounds the in-memory event queue per stream.
	eventQueueSize = 4096

	// overflowWait is how long a full queue blocks the pipe reader before
	// the stream enters coalescing mode. Blocking the reader is the
	// backpressure path: the pipe fills and the child stalls instead of
	// events being dropped.
	overflowWait = 2 * time.Second

	// scanBufSize is the initial scanner buffer; maxScanTokenSize bounds a
	// single line read off the pipe.
	scanBufSize      = 64 * 1024
	maxScanTokenSize = 1024 * 1024
)

// drainStdout copies stdout lines to the log file and feeds structured
// events through the bounded queue. Returns after the pipe closes and all
// queued events are persisted.
func (s *Supervisor) drainStdout(r io.Reader, logFile *os.File) error {
	return s.drain(r, logFile, func(line string) structs.ChildEvent {
		return structs.ParseChildLine(line)
	})
}

// drainStderr copies stderr lines to the log file, keeps a bounded tail
// for failure summaries, and emits stderr events.
func (s *Supervisor) drainStderr(r io.Reader, logFile *os.File) error {
	return s.drain(r, logFile, func(line string) structs.ChildEvent {
		s.stderrTail.Write([]byte(line + "\n"))
		truncated := false
		if len(line) > structs.MaxEventLineBytes {
			line = line[:structs.MaxEventLineBytes]
			truncated = true
		}
		return structs.WrapLine(structs.EventTypeStderr, line, truncated)
	})
}

func (s *Supervisor) drain(r io.Reader, logFile *os.File, toEvent func(string) structs.ChildEvent) error {
	queue := make(chan structs.ChildEvent, eventQueueSize)
	done := make(chan struct{})
	var writeErr error

	go func() {
		defer close(done)
		for ev := range queue {
			if s.leaseIsLost() {
				// Output after lease loss is discarded: the reaper owns
				// the run and this worker must not write to it.
				continue
			}
			if _, err := s.updater.AppendEvent(s.run.ID, ev.Type, ev.Data); err != nil {
				if writeErr == nil {
					writeErr = err
				}
				s.logger.Error("failed to persist event", "type", ev.Type, "error", err)
				continue
			}
			if ev.Type == structs.EventTypeArtifact {
				s.handleArtifact(ev.Data)
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufSize), maxScanTokenSize)

	coalesced := 0
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)
		ev := toEvent(line)

		if coalesced > 0 {
			// Coalescing: the log file stays complete but events are
			// summarized until the queue has room for the marker again.
			select {
			case queue <- overflowMarker(coalesced):
				coalesced = 0
			default:
				coalesced++
				continue
			}
			queue <- ev
			continue
		}

		select {
		case queue <- ev:
		case <-time.After(overflowWait):
			coalesced = 1
		}
	}

	if coalesced > 0 {
		queue <- overflowMarker(coalesced)
	}
	close(queue)
	<-done

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading child stream for run %s: %w", s.run.ID, err)
	}
	return writeErr
}

// overflowMarker summarizes lines that were coalesced while the event
// queue was saturated. The raw lines remain in the stream's log file.
func overflowMarker(coalesced int) structs.ChildEvent {
	data, _ := json.Marshal(map[string]interface{}{
		"message":         "event queue overflow, lines coalesced",
		"coalesced_lines": coalesced,
	})
	return structs.ChildEvent{Type: structs.EventTypeSystem, Data: data}
}
