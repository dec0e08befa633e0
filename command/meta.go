// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"flag"
	"fmt"
	"time"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/taskhub/config"
	"github.com/hashicorp/taskhub/registry"
	"github.com/hashicorp/taskhub/state"
)

// Meta contains the options and functionality nearly every TaskHub
// command inherits.
type Meta struct {
	Ui cli.Ui

	// These are set by command line flags.
	flagDBPath  string
	flagDataDir string
	logLevel    string
}

// FlagSet returns a flag set with the options common to all commands.
func (m *Meta) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&m.flagDBPath, "db", "", "")
	fs.StringVar(&m.flagDataDir, "data-dir", "", "")
	fs.StringVar(&m.logLevel, "log-level", "info", "")
	return fs
}

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

// commandErrorText is used to easily render the same messaging across commads
// when an error is printed.
func commandErrorText(cmd NamedCommand) string {
	return fmt.Sprintf("For additional help try 'taskhub %s -help'", cmd.Name())
}

// generalOptionsUsage documents the common flags for help text.
func generalOptionsUsage() string {
	return `General Options:

  -db=<path>
    Path to the SQLite database file. Overrides TASKHUB_DB_PATH.

  -data-dir=<path>
    Root of the per-run directory tree. Overrides TASKHUB_DATA_DIR.

  -log-level=<level>
    Log verbosity: trace, debug, info, warn, error. Defaults to info.`
}

// loadConfig builds the runtime config from env plus common flags.
func (m *Meta) loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if m.flagDBPath != "" {
		cfg.DBPath = m.flagDBPath
	}
	if m.flagDataDir != "" {
		cfg.DataDir = m.flagDataDir
	}
	return cfg, nil
}

// setupLogger returns the root logger for a component process.
func (m *Meta) setupLogger(component string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "taskhub",
		Level: hclog.LevelFromString(m.logLevel),
	}).Named(component)
}

// setupMetrics installs the in-memory sink all components emit into.
func setupMetrics() error {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig("taskhub")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return fmt.Errorf("failed to configure metrics: %w", err)
	}
	return nil
}

// openStore opens the database and builds the task registry.
func (m *Meta) openStore(cfg *config.Config, logger hclog.Logger) (*state.Store, *registry.Registry, error) {
	store, err := state.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.New(registry.Builtin()...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, reg, nil
}
