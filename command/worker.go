// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/taskhub/worker"
)

// WorkerCommand runs a single worker process. Start several for
// parallelism; the store enforces per-task concurrency.
type WorkerCommand struct {
	Meta
}

func (c *WorkerCommand) Help() string {
	helpText := `
Usage: taskhub worker [options]

  Starts a worker that claims queued runs and supervises their child
  processes. SIGTERM triggers graceful shutdown: the current child
  receives the cancellation escalation and the run finalizes as CANCELED.

` + generalOptionsUsage() + `

Worker Options:

  -task=<id>
    Restrict this worker to the given task id. May be repeated.
`
	return strings.TrimSpace(helpText)
}

func (c *WorkerCommand) Synopsis() string {
	return "Run a TaskHub worker"
}

func (c *WorkerCommand) Name() string { return "worker" }

func (c *WorkerCommand) Run(args []string) int {
	var taskFilter stringListFlag

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.Var(&taskFilter, "task", "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}

	if err := setupMetrics(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := c.setupLogger("worker")
	store, reg, err := c.openStore(cfg, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	w := worker.New(logger, store, reg, cfg)
	w.TaskFilter = taskFilter
	c.Ui.Output(fmt.Sprintf("TaskHub worker %s started", w.ID()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Worker exited with error: %s", err))
		return 1
	}
	return 0
}

// stringListFlag collects repeated -flag values.
type stringListFlag []string

func (s *stringListFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
