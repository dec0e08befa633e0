// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package executor

import (
	"syscall"
	"time"
)

// Cancel marks the run as canceled with the given reason and starts the
// escalation sequence. Safe to call from any goroutine and idempotent; the
// first reason wins. The worker uses this for graceful shutdown with
// reason "worker_shutdown".
func (s *Supervisor) Cancel(reason string) {
	first := false
	s.mu.Lock()
	if !s.cancelObserved {
		s.cancelObserved = true
		s.cancelReason = reason
		first = true
	}
	s.mu.Unlock()

	if first {
		s.updater.AppendSystemEvent(s.run.ID, "cancellation initiated", map[string]interface{}{
			"reason": reason,
			"pgid":   s.groupID(),
		})
		go s.escalate()
	}
}

// watchCancellation polls the cancel flag and arms the per-run timeout.
// It exits when the child does, when the watch is stopped, or once an
// escalation has been started.
func (s *Supervisor) watchCancellation(stop <-chan struct{}) {
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if s.task.Timeout > 0 {
		timer := time.NewTimer(s.task.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case <-stop:
			return
		case <-s.processExited:
			return
		case <-s.leaseLost:
			// The run belongs to the reaper now. Kill hard and discard.
			s.logger.Warn("lease lost, killing process group", "pgid", s.groupID())
			s.signalGroup(syscall.SIGKILL)
			return
		case <-timeoutCh:
			s.logger.Warn("run timeout exceeded", "timeout", s.task.Timeout)
			s.Cancel("timeout")
			return
		case <-ticker.C:
			requested, err := s.updater.CancelRequested(s.run.ID)
			if err != nil {
				s.logger.Warn("failed to poll cancel flag", "error", err)
				continue
			}
			if requested {
				s.Cancel("canceled")
				return
			}
		}
	}
}

// escalate runs the two-phase kill: SIGTERM to the process group, then
// SIGKILL after the soft grace period if the child has not exited.
func (s *Supervisor) escalate() {
	s.mu.Lock()
	if s.escalationDone {
		s.mu.Unlock()
		return
	}
	s.escalationDone = true
	s.mu.Unlock()

	s.logger.Info("sending SIGTERM to process group", "pgid", s.groupID(), "soft_grace", s.softGrace)
	s.signalGroup(syscall.SIGTERM)

	select {
	case <-s.processExited:
		return
	case <-time.After(s.softGrace):
	}

	s.logger.Warn("soft grace expired, sending SIGKILL to process group", "pgid", s.groupID())
	s.signalGroup(syscall.SIGKILL)
}

// groupID reads the recorded process group under the supervisor lock. Zero
// means the child has not spawned.
func (s *Supervisor) groupID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pgid
}

func (s *Supervisor) signalGroup(sig syscall.Signal) {
	pgid := s.groupID()
	if pgid <= 0 {
		return
	}
	if err := SignalProcessGroup(pgid, sig); err != nil {
		s.logger.Error("failed to signal process group", "pgid", pgid, "signal", sig, "error", err)
	}
}
