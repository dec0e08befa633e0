// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/taskhub/reaper"
)

// ReaperCommand runs the lease reaper as its own process.
type ReaperCommand struct {
	Meta
}

func (c *ReaperCommand) Help() string {
	helpText := `
Usage: taskhub reaper [options]

  Starts the reaper loop. Runs whose lease expired are failed and their
  orphaned process groups are killed. The reaper must run on the same
  host as the workers so it can signal their process groups.

` + generalOptionsUsage() + `

Reaper Options:

  -interval=<seconds>
    Sweep interval. Overrides TASKHUB_REAPER_INTERVAL_SECONDS.
`
	return strings.TrimSpace(helpText)
}

func (c *ReaperCommand) Synopsis() string {
	return "Run the TaskHub lease reaper"
}

func (c *ReaperCommand) Name() string { return "reaper" }

func (c *ReaperCommand) Run(args []string) int {
	var interval int

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.IntVar(&interval, "interval", 0, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	if interval > 0 {
		cfg.ReaperInterval = time.Duration(interval) * time.Second
	}

	if err := setupMetrics(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := c.setupLogger("reaper")
	store, _, err := c.openStore(cfg, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reaper.New(logger, store, cfg.ReaperInterval, cfg.LeaseDuration).Run(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Reaper exited with error: %s", err))
		return 1
	}
	return 0
}
