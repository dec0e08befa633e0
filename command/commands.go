// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
)

// Commands returns the mapping of CLI commands for TaskHub.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{Meta: meta}, nil
		},
		"worker": func() (cli.Command, error) {
			return &WorkerCommand{Meta: meta}, nil
		},
		"scheduler": func() (cli.Command, error) {
			return &SchedulerCommand{Meta: meta}, nil
		},
		"reaper": func() (cli.Command, error) {
			return &ReaperCommand{Meta: meta}, nil
		},
		"run list": func() (cli.Command, error) {
			return &RunListCommand{Meta: meta}, nil
		},
		"run status": func() (cli.Command, error) {
			return &RunStatusCommand{Meta: meta}, nil
		},
		"run cancel": func() (cli.Command, error) {
			return &RunCancelCommand{Meta: meta}, nil
		},
	}
}
