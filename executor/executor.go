// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package executor supervises one child process per claimed run. The child
// runs in its own process group so cancellation and reaping can signal the
// whole tree. Stdout and stderr are copied verbatim to log files while
// structured events are parsed off stdout and persisted in order.
package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/armon/circbuf"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/taskhub/helper/ids"
	"github.com/hashicorp/taskhub/structs"
)

const (
	// cancelPoll is how often the supervisor re-reads the cancel flag.
	cancelPoll = 500 * time.Millisecond

	// stderrTailSize bounds the captured stderr tail included in failure
	// summaries.
	stderrTailSize = 2 * 1024

	// errorSummaryMax bounds the persisted error string.
	errorSummaryMax = 1024
)

// Updater is the slice of the state store the supervisor writes through.
type Updater interface {
	SetPGID(runID, workerID string, pgid int) error
	AppendEvent(runID, eventType string, data json.RawMessage) (int64, error)
	InsertArtifact(a *structs.Artifact) error
	CancelRequested(runID string) (bool, error)
	FinishRun(runID, workerID, status string, exitCode *int, errMsg string) error
	AppendSystemEvent(runID, message string, kv map[string]interface{})
}

// RunTask is what the supervisor needs from a task definition.
type RunTask struct {
	// BuildCommand turns the run's params into an argv.
	BuildCommand func(params json.RawMessage) ([]string, error)

	// Timeout bounds the run's wall time; zero disables it. Expiry is an
	// internal cancellation with error "timeout".
	Timeout time.Duration
}

// Config configures a Supervisor.
type Config struct {
	Logger    hclog.Logger
	Updater   Updater
	WorkerID  string
	RunDir    string
	SoftGrace time.Duration
}

// Supervisor drives a single claimed run to a terminal state. It is
// single-use: construct one per run and call Execute exactly once.
type Supervisor struct {
	logger    hclog.Logger
	updater   Updater
	workerID  string
	runDir    string
	softGrace time.Duration

	run  *structs.Run
	task *RunTask

	cmd *exec.Cmd

	// processExited closes when cmd.Wait returns.
	processExited chan struct{}

	// leaseLost closes when the worker's heartbeat observed ErrLostLease.
	// The child is hard-killed and no further rows are written.
	leaseLost chan struct{}
	lostOnce  sync.Once

	// mu guards pgid and the cancellation state; Cancel may fire from the
	// worker's shutdown goroutine while Execute is still spawning.
	mu             sync.Mutex
	pgid           int
	cancelObserved bool
	cancelReason   string
	escalationDone bool
	stderrTail     *circbuf.Buffer
}

// New returns a supervisor for one run.
func New(cfg Config, run *structs.Run, task *RunTask) *Supervisor {
	tail, _ := circbuf.NewBuffer(stderrTailSize)
	return &Supervisor{
		logger:        cfg.Logger.Named("supervisor").With("run_id", run.ID),
		updater:       cfg.Updater,
		workerID:      cfg.WorkerID,
		runDir:        cfg.RunDir,
		softGrace:     cfg.SoftGrace,
		run:           run,
		task:          task,
		processExited: make(chan struct{}),
		leaseLost:     make(chan struct{}),
		stderrTail:    tail,
	}
}

// LeaseLost tells the supervisor the worker no longer owns the run. The
// process group is killed immediately and the run row is left alone; the
// reaper owns it now.
func (s *Supervisor) LeaseLost() {
	s.lostOnce.Do(func() { close(s.leaseLost) })
}

// leaseIsLost reports whether LeaseLost has fired.
func (s *Supervisor) leaseIsLost() bool {
	select {
	case <-s.leaseLost:
		return true
	default:
		return false
	}
}

// Execute runs the child to completion and finalizes the run. The returned
// error covers supervisor-internal failures only; task failures end up in
// the run row, not here.
func (s *Supervisor) Execute() error {
	argv, err := s.task.BuildCommand(s.run.Params)
	if err != nil {
		return s.finalize(structs.RunStatusFailed, nil,
			truncateError(fmt.Sprintf("build_command_failed: %v", err)))
	}
	if len(argv) == 0 {
		return s.finalize(structs.RunStatusFailed, nil, "build_command_failed: empty command")
	}

	stdoutLog, stderrLog, err := s.prepareRunDir()
	if err != nil {
		return s.finalize(structs.RunStatusFailed, nil,
			truncateError(fmt.Sprintf("run_dir_failed: %v", err)))
	}
	defer stdoutLog.Close()
	defer stderrLog.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.runDir
	cmd.Env = append(os.Environ(),
		"TASKHUB_RUN_ID="+s.run.ID,
		"TASKHUB_ARTIFACTS_DIR="+s.artifactsDir(),
	)
	setNewProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return s.finalize(structs.RunStatusFailed, nil,
			truncateError(fmt.Sprintf("spawn_failed: %v", err)))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return s.finalize(structs.RunStatusFailed, nil,
			truncateError(fmt.Sprintf("spawn_failed: %v", err)))
	}

	if err := cmd.Start(); err != nil {
		return s.finalize(structs.RunStatusFailed, nil,
			truncateError(fmt.Sprintf("spawn_failed: %v", err)))
	}

	s.cmd = cmd
	s.mu.Lock()
	s.pgid = cmd.Process.Pid
	preCanceled := s.cancelObserved
	s.mu.Unlock()
	s.logger.Info("spawned child", "pid", cmd.Process.Pid, "command", strings.Join(argv, " "))

	// A cancel that arrived before the spawn signaled pgid 0 and was lost;
	// deliver the soft signal now that the group exists.
	if preCanceled {
		s.signalGroup(syscall.SIGTERM)
	}

	if err := s.updater.SetPGID(s.run.ID, s.workerID, cmd.Process.Pid); err != nil {
		// Recording the pgid failed, most likely because the lease is
		// already gone. Kill the group and walk away from the row.
		s.logger.Error("failed to record pgid, killing child", "error", err)
		s.LeaseLost()
	}

	// Drain both pipes; each drain persists its events before returning.
	var drains errgroup.Group
	drains.Go(func() error {
		return s.drainStdout(stdoutPipe, stdoutLog)
	})
	drains.Go(func() error {
		return s.drainStderr(stderrPipe, stderrLog)
	})

	stopWatch := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		s.watchCancellation(stopWatch)
	}()

	waitErr := cmd.Wait()
	close(s.processExited)

	drainErr := drains.Wait()
	close(stopWatch)
	watch.Wait()

	if s.leaseIsLost() {
		// The reaper owns the run row; nothing to write. Report the
		// drain error so the worker can log it.
		s.logger.Warn("lease lost, abandoning run without finalizing")
		return drainErr
	}

	exitCode, signalName := decodeExit(waitErr)
	status, errMsg := s.classify(exitCode, signalName)

	var mErr multierror.Error
	if drainErr != nil {
		mErr.Errors = append(mErr.Errors, drainErr)
	}
	if err := s.finalize(status, &exitCode, errMsg); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// classify maps exit status and cancellation state to a terminal status
// per the run state machine: cancellation wins regardless of exit code,
// then exit 0 succeeds, everything else fails.
func (s *Supervisor) classify(exitCode int, signalName string) (string, string) {
	s.mu.Lock()
	canceled, reason := s.cancelObserved, s.cancelReason
	s.mu.Unlock()

	if !canceled {
		// A cancel landing inside the final poll window would otherwise
		// slip through; re-read the flag now that the child has exited.
		if requested, err := s.updater.CancelRequested(s.run.ID); err == nil && requested {
			canceled, reason = true, "canceled"
		}
	}

	if canceled {
		return structs.RunStatusCanceled, reason
	}
	if exitCode == 0 {
		return structs.RunStatusSucceeded, ""
	}

	msg := fmt.Sprintf("exit_code=%d", exitCode)
	if signalName != "" {
		msg = fmt.Sprintf("exit_code=%d signal=%s", exitCode, signalName)
	}
	if tail := strings.TrimSpace(s.stderrTail.String()); tail != "" {
		msg = msg + ": " + tail
	}
	return structs.RunStatusFailed, truncateError(msg)
}

func (s *Supervisor) finalize(status string, exitCode *int, errMsg string) error {
	if s.leaseIsLost() {
		return nil
	}
	if err := s.updater.FinishRun(s.run.ID, s.workerID, status, exitCode, errMsg); err != nil {
		return fmt.Errorf("failed to finalize run %s as %s: %w", s.run.ID, status, err)
	}
	s.logger.Info("run finalized", "status", status, "error", errMsg)
	return nil
}

// prepareRunDir creates the run directory tree and opens the log files.
func (s *Supervisor) prepareRunDir() (stdout, stderr *os.File, err error) {
	if err := os.MkdirAll(s.artifactsDir(), 0o755); err != nil {
		return nil, nil, err
	}
	stdout, err = openAppend(filepath.Join(s.runDir, "stdout.log"))
	if err != nil {
		return nil, nil, err
	}
	stderr, err = openAppend(filepath.Join(s.runDir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func (s *Supervisor) artifactsDir() string {
	return filepath.Join(s.runDir, "artifacts")
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// handleArtifact validates an artifact announcement and records the row.
// The referenced path must resolve inside the run directory.
func (s *Supervisor) handleArtifact(data json.RawMessage) {
	var ad structs.ArtifactData
	if err := json.Unmarshal(data, &ad); err != nil || ad.Path == "" {
		s.logger.Warn("ignoring malformed artifact event", "data", string(data))
		return
	}

	rel := filepath.Join("artifacts", filepath.Clean("/"+ad.Path)[1:])
	abs := filepath.Join(s.runDir, rel)
	resolved, err := filepath.Abs(abs)
	if err != nil {
		s.logger.Warn("failed to resolve artifact path", "path", ad.Path, "error", err)
		return
	}
	root, err := filepath.Abs(s.runDir)
	if err != nil || !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		s.logger.Warn("artifact path escapes run directory", "path", ad.Path)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		s.logger.Warn("artifact file missing", "path", rel, "error", err)
		return
	}

	fileID := ad.FileID
	if fileID == "" {
		fileID = ad.Path
	}
	kind := ad.Kind
	if kind == "" {
		kind = "binary"
	}
	mime := ad.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}

	artifact := &structs.Artifact{
		ID:        ids.Artifact(),
		RunID:     s.run.ID,
		FileID:    fileID,
		Title:     ad.Title,
		Kind:      kind,
		Mime:      mime,
		Path:      rel,
		SizeBytes: info.Size(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.updater.InsertArtifact(artifact); err != nil {
		s.logger.Error("failed to record artifact", "file_id", fileID, "error", err)
	}
}

func truncateError(msg string) string {
	if len(msg) > errorSummaryMax {
		return msg[:errorSummaryMax]
	}
	return msg
}
