// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build unix

package executor

import (
	"errors"
	"os/exec"
	"syscall"
)

// noSuchProcessErr is the error for signaling a process group that has
// already exited. Not a failure from the supervisor's point of view.
const noSuchProcessErr = "no such process"

// setNewProcessGroup arranges for the child to lead its own process group
// so that cancellation and reaping can signal every descendant at once.
func setNewProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalProcessGroup delivers sig to every process in the group. A group
// that no longer exists is not an error.
func SignalProcessGroup(pgid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pgid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) || err.Error() == noSuchProcessErr {
			return nil
		}
		return err
	}
	return nil
}

// ProcessGroupAlive probes whether any process in the group still exists,
// using the null signal.
func ProcessGroupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// decodeExit turns cmd.Wait's error into an exit code and optional signal
// name. A signal termination is encoded as 128+signum, mirroring shell
// convention.
func decodeExit(waitErr error) (int, string) {
	if waitErr == nil {
		return 0, ""
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				sig := status.Signal()
				return 128 + int(sig), sig.String()
			}
			return status.ExitStatus(), ""
		}
	}

	// Wait failed for a non-exit reason (I/O error collecting status).
	return -1, ""
}
