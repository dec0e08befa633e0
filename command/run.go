// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/taskhub/state"
	"github.com/hashicorp/taskhub/structs"
)

// RunListCommand lists runs straight from the database.
type RunListCommand struct {
	Meta
}

func (c *RunListCommand) Help() string {
	helpText := `
Usage: taskhub run list [options]

  Lists runs, newest first.

` + generalOptionsUsage() + `

List Options:

  -task=<id>
    Only show runs of the given task.

  -status=<status>
    Only show runs with the given status.

  -n=<limit>
    Maximum number of runs to show. Defaults to 50.
`
	return strings.TrimSpace(helpText)
}

func (c *RunListCommand) Synopsis() string {
	return "List runs"
}

func (c *RunListCommand) Name() string { return "run list" }

func (c *RunListCommand) Run(args []string) int {
	var taskID, status string
	var limit int

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&taskID, "task", "", "")
	flags.StringVar(&status, "status", "", "")
	flags.IntVar(&limit, "n", 50, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if status != "" && !structs.ValidRunStatus(status) {
		c.Ui.Error(fmt.Sprintf("Invalid status %q", status))
		return 1
	}

	cfg, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	logger := c.setupLogger("cli")
	store, err := state.Open(cfg.DBPath, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	runs, err := store.ListRuns(state.RunListRequest{
		TaskID: taskID,
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing runs: %s", err))
		return 1
	}
	if len(runs) == 0 {
		c.Ui.Output("No runs found")
		return 0
	}

	out := make([]string, len(runs)+1)
	out[0] = "Run ID|Task|Status|Created|Duration"
	for i, run := range runs {
		duration := ""
		if run.StartedAt != nil {
			duration = run.Elapsed().Truncate(1e6).String()
		}
		out[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s",
			run.ID,
			run.TaskID,
			run.Status,
			formatAge(run.CreatedAt),
			duration)
	}
	c.Ui.Output(formatList(out))
	return 0
}

// RunStatusCommand shows a single run with its recent events.
type RunStatusCommand struct {
	Meta
}

func (c *RunStatusCommand) Help() string {
	helpText := `
Usage: taskhub run status [options] <run_id>

  Shows the status, metadata and recent events of a run.

` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *RunStatusCommand) Synopsis() string {
	return "Show the status of a run"
}

func (c *RunStatusCommand) Name() string { return "run status" }

func (c *RunStatusCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <run_id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	runID := args[0]

	cfg, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	logger := c.setupLogger("cli")
	store, err := state.Open(cfg.DBPath, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	run, err := store.GetRun(runID)
	if err != nil {
		if errors.Is(err, structs.ErrNotFound) {
			c.Ui.Error(fmt.Sprintf("No run with id %q", runID))
		} else {
			c.Ui.Error(fmt.Sprintf("Error querying run: %s", err))
		}
		return 1
	}

	basic := []string{
		fmt.Sprintf("ID|%s", run.ID),
		fmt.Sprintf("Task|%s", run.TaskID),
		fmt.Sprintf("Status|%s", run.Status),
		fmt.Sprintf("Created|%s", formatTime(&run.CreatedAt)),
		fmt.Sprintf("Started|%s", formatTime(run.StartedAt)),
		fmt.Sprintf("Finished|%s", formatTime(run.FinishedAt)),
	}
	if run.ExitCode != nil {
		basic = append(basic, fmt.Sprintf("Exit Code|%d", *run.ExitCode))
	}
	if run.Error != "" {
		basic = append(basic, fmt.Sprintf("Error|%s", run.Error))
	}
	if run.LeaseOwner != "" {
		basic = append(basic, fmt.Sprintf("Worker|%s", run.LeaseOwner))
	}
	if run.CronID != "" {
		basic = append(basic, fmt.Sprintf("Cron|%s", run.CronID))
	}
	c.Ui.Output(formatKV(basic))

	events, _, err := store.ListEvents(runID, 0, 20)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying events: %s", err))
		return 1
	}
	if len(events) > 0 {
		c.Ui.Output("")
		c.Ui.Output("Recent Events:")
		out := make([]string, len(events)+1)
		out[0] = "Seq|Time|Type|Data"
		for i, ev := range events {
			data := string(ev.Data)
			if len(data) > 60 {
				data = data[:57] + "..."
			}
			out[i+1] = fmt.Sprintf("%d|%s|%s|%s",
				ev.Seq,
				ev.TS.Local().Format("15:04:05"),
				ev.Type,
				data)
		}
		c.Ui.Output(formatList(out))
	}

	artifacts, err := store.ListArtifacts(runID)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying artifacts: %s", err))
		return 1
	}
	if len(artifacts) > 0 {
		c.Ui.Output("")
		c.Ui.Output("Artifacts:")
		out := make([]string, len(artifacts)+1)
		out[0] = "File ID|Title|Kind|Path"
		for i, a := range artifacts {
			out[i+1] = fmt.Sprintf("%s|%s|%s|%s", a.FileID, a.Title, a.Kind, a.Path)
		}
		c.Ui.Output(formatList(out))
	}
	return 0
}

// RunCancelCommand requests cancellation of a run.
type RunCancelCommand struct {
	Meta
}

func (c *RunCancelCommand) Help() string {
	helpText := `
Usage: taskhub run cancel [options] <run_id>

  Requests cancellation of a run. Queued runs cancel immediately; running
  runs are flagged and their worker escalates SIGTERM then SIGKILL.

` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *RunCancelCommand) Synopsis() string {
	return "Cancel a run"
}

func (c *RunCancelCommand) Name() string { return "run cancel" }

func (c *RunCancelCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <run_id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	runID := args[0]

	cfg, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	logger := c.setupLogger("cli")
	store, err := state.Open(cfg.DBPath, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	if err := store.RequestCancel(runID); err != nil {
		if errors.Is(err, structs.ErrNotFound) {
			c.Ui.Error(fmt.Sprintf("No run with id %q", runID))
		} else {
			c.Ui.Error(fmt.Sprintf("Error cancelling run: %s", err))
		}
		return 1
	}
	c.Ui.Output(fmt.Sprintf("Cancellation requested for run %q", runID))
	return 0
}
