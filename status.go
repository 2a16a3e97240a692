package main

import (
	"flow-runner/shared"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and its task attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		tasks, err := a.store.ListTasks(ctx, run.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			shared.Run
			Tasks []shared.Task `json:"tasks"`
		}{Run: run, Tasks: tasks})
	},
}
