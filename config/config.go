// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config holds the runtime configuration shared by the TaskHub
// components. Values come from defaults, then TASKHUB_* environment
// variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// EnvDBPath overrides the SQLite database file location.
	EnvDBPath = "TASKHUB_DB_PATH"

	// EnvDataDir overrides the root of the per-run directory tree.
	EnvDataDir = "TASKHUB_DATA_DIR"

	// EnvLeaseSeconds overrides the run lease duration.
	EnvLeaseSeconds = "TASKHUB_LEASE_SECONDS"

	// EnvSoftGraceSeconds overrides the SIGTERM-to-SIGKILL grace period.
	EnvSoftGraceSeconds = "TASKHUB_SOFT_GRACE_SECONDS"

	// EnvReaperIntervalSeconds overrides the reaper sweep interval.
	EnvReaperIntervalSeconds = "TASKHUB_REAPER_INTERVAL_SECONDS"

	// EnvSchedulerIntervalSeconds overrides the cron evaluation tick.
	EnvSchedulerIntervalSeconds = "TASKHUB_SCHEDULER_INTERVAL_SECONDS"

	// EnvHTTPAddr overrides the agent HTTP bind address.
	EnvHTTPAddr = "TASKHUB_HTTP_ADDR"
)

// Config is the runtime configuration for TaskHub components. A single
// Config is built at process start and treated as immutable afterwards.
type Config struct {
	// DBPath is the SQLite database file. The directory is created on
	// open if missing.
	DBPath string

	// DataDir is the root for per-run directories (DataDir/runs/<id>).
	DataDir string

	// HTTPAddr is the bind address for the agent API.
	HTTPAddr string

	// LeaseDuration bounds dead-worker detection. Workers renew at a
	// third of this interval.
	LeaseDuration time.Duration

	// SoftGrace is the pause between SIGTERM and SIGKILL during
	// cancellation escalation.
	SoftGrace time.Duration

	// ReaperInterval is the sweep period for expired leases.
	ReaperInterval time.Duration

	// SchedulerInterval is the cron evaluation tick.
	SchedulerInterval time.Duration

	// IdlePoll is the worker sleep between empty claim attempts.
	IdlePoll time.Duration

	// ShutdownGrace bounds how long a worker waits for its child after
	// receiving SIGTERM before finalizing the run.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		DBPath:            filepath.Join("data", "taskhub.db"),
		DataDir:           "data",
		HTTPAddr:          "127.0.0.1:4950",
		LeaseDuration:     60 * time.Second,
		SoftGrace:         10 * time.Second,
		ReaperInterval:    60 * time.Second,
		SchedulerInterval: time.Second,
		IdlePoll:          500 * time.Millisecond,
		ShutdownGrace:     15 * time.Second,
	}
}

// FromEnv layers TASKHUB_* environment variables over the defaults.
func FromEnv() (*Config, error) {
	c := DefaultConfig()
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}

	var err error
	if c.LeaseDuration, err = envSeconds(EnvLeaseSeconds, c.LeaseDuration); err != nil {
		return nil, err
	}
	if c.SoftGrace, err = envSeconds(EnvSoftGraceSeconds, c.SoftGrace); err != nil {
		return nil, err
	}
	if c.ReaperInterval, err = envSeconds(EnvReaperIntervalSeconds, c.ReaperInterval); err != nil {
		return nil, err
	}
	if c.SchedulerInterval, err = envSeconds(EnvSchedulerIntervalSeconds, c.SchedulerInterval); err != nil {
		return nil, err
	}
	return c, nil
}

// RunDir returns the on-disk directory for a run.
func (c *Config) RunDir(runID string) string {
	return filepath.Join(c.DataDir, "runs", runID)
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: want positive integer seconds", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}
