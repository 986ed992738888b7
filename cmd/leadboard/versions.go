package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/model"
)

func newVersionsCmd() *cobra.Command {
	var versionsPath, jobsPath string

	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Group jobs by the workflow version they ran against",
		Long: `versions reads a workflow's version history and a list of its jobs and
prints the jobs bucketed by version, newest version first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return versions(cmd.OutOrStdout(), versionsPath, jobsPath)
		},
	}
	cmd.Flags().StringVar(&versionsPath, "versions", "", "JSON array of workflow version summaries")
	cmd.Flags().StringVar(&jobsPath, "jobs", "", "JSON array of jobs")
	_ = cmd.MarkFlagRequired("versions")
	_ = cmd.MarkFlagRequired("jobs")
	return cmd
}

func versions(w io.Writer, versionsPath, jobsPath string) error {
	var history []model.WorkflowVersionSummary
	if err := readJSON(versionsPath, &history); err != nil {
		return err
	}
	var jobs []model.Job
	if err := readJSON(jobsPath, &jobs); err != nil {
		return err
	}
	for i := range jobs {
		jobs[i] = jobs[i].Summary()
	}
	return writeJSON(w, reconcile.Buckets(history, jobs))
}
