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

	"github.com/hashicorp/taskhub/scheduler"
)

// SchedulerCommand runs the cron scheduler as its own process. Run at
// most one per database.
type SchedulerCommand struct {
	Meta
}

func (c *SchedulerCommand) Help() string {
	helpText := `
Usage: taskhub scheduler [options]

  Starts the cron scheduler loop. Due cron entries are materialized into
  queued runs; missed ticks coalesce into at most one catch-up run per
  entry.

` + generalOptionsUsage() + `

Scheduler Options:

  -interval=<seconds>
    Evaluation tick. Overrides TASKHUB_SCHEDULER_INTERVAL_SECONDS.
`
	return strings.TrimSpace(helpText)
}

func (c *SchedulerCommand) Synopsis() string {
	return "Run the TaskHub cron scheduler"
}

func (c *SchedulerCommand) Name() string { return "scheduler" }

func (c *SchedulerCommand) Run(args []string) int {
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
		cfg.SchedulerInterval = time.Duration(interval) * time.Second
	}

	if err := setupMetrics(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := c.setupLogger("scheduler")
	store, reg, err := c.openStore(cfg, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.New(logger, store, reg, cfg.SchedulerInterval).Run(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Scheduler exited with error: %s", err))
		return 1
	}
	return 0
}
