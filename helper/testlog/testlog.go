// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testlog creates hclog loggers backed by testing.T so component
// logs end up attached to the test that produced them.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogLevel returns the level tests should log at, overridable through
// TASKHUB_TEST_LOG_LEVEL.
func LogLevel() string {
	if lvl := os.Getenv("TASKHUB_TEST_LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "warn"
}

// Logger is the subset of testing.T needed by the test logger.
type Logger interface {
	Logf(format string, args ...interface{})
}

type writer struct {
	t Logger
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer that logs through t.
func NewWriter(t Logger) io.Writer {
	return &writer{t}
}

// HCLogger returns a named hclog.Logger that writes through t.
func HCLogger(t Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "test",
		Level:  hclog.LevelFromString(LogLevel()),
		Output: NewWriter(t),
	})
}
