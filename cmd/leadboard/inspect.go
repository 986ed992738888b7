package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/model"
)

func newInspectCmd() *cobra.Command {
	var workflowPath, jobPath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Reconcile a job against a workflow definition offline",
		Long: `inspect reads a job document and, optionally, the workflow definition it
ran against, and prints the reconciled job view as JSON. Without --workflow
the steps are derived from the job's execution records alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return inspect(cmd.OutOrStdout(), workflowPath, jobPath)
		},
	}
	cmd.Flags().StringVar(&workflowPath, "workflow", "", "workflow definition JSON file")
	cmd.Flags().StringVar(&jobPath, "job", "", "job JSON file including execution_steps")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func inspect(w io.Writer, workflowPath, jobPath string) error {
	var job model.Job
	if err := readJSON(jobPath, &job); err != nil {
		return err
	}

	var wf model.Workflow
	if workflowPath != "" {
		if err := readJSON(workflowPath, &wf); err != nil {
			return err
		}
	}

	view := model.JobView{
		Job:             job.Summary(),
		WorkflowName:    wf.WorkflowName,
		WorkflowVersion: wf.Version,
		Steps:           reconcile.AttachDependencies(reconcile.Reconcile(wf.Steps, job)),
		Fallback:        len(wf.Steps) == 0,
	}
	return writeJSON(w, view)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
