// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/taskhub/agent"
	"github.com/hashicorp/taskhub/reaper"
	"github.com/hashicorp/taskhub/scheduler"
)

// AgentCommand runs the HTTP API, optionally co-hosting the scheduler and
// reaper loops.
type AgentCommand struct {
	Meta
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: taskhub agent [options]

  Starts the TaskHub API server. With -enable-scheduler and -enable-reaper
  the agent also hosts those loops, so a minimal deployment is one agent
  plus one or more workers.

` + generalOptionsUsage() + `

Agent Options:

  -http-addr=<addr>
    Bind address for the API. Overrides TASKHUB_HTTP_ADDR.

  -enable-scheduler
    Run the cron scheduler inside the agent process.

  -enable-reaper
    Run the lease reaper inside the agent process.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the TaskHub API server"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) Run(args []string) int {
	var httpAddr string
	var enableScheduler, enableReaper bool

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&httpAddr, "http-addr", "", "")
	flags.BoolVar(&enableScheduler, "enable-scheduler", false, "")
	flags.BoolVar(&enableReaper, "enable-reaper", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	if err := setupMetrics(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := c.setupLogger("agent")
	store, reg, err := c.openStore(cfg, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	srv := agent.NewHTTPServer(logger, store, reg, cfg)
	if err := srv.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting API server: %s", err))
		return 1
	}
	c.Ui.Output(fmt.Sprintf("TaskHub agent listening on %s", srv.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if enableScheduler {
			go scheduler.New(logger, store, reg, cfg.SchedulerInterval).Run(ctx)
		}
		if enableReaper {
			go reaper.New(logger, store, cfg.ReaperInterval, cfg.LeaseDuration).Run(ctx)
		}
		<-ctx.Done()
	}()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
		return 1
	}
	return 0
}
