// Package main is the entry point for the leadboard dashboard backend and
// its offline reconciliation tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pitabwire/leadboard/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "leadboard",
		Short: "Operator dashboard backend for lead-magnet workflows",
		Long: `leadboard serves reconciled views of lead-magnet jobs: every workflow
step merged with the execution records the job produced, dependency
previews, and job history grouped by workflow version.

Examples:
  leadboard serve --config config.yaml
  leadboard inspect --workflow wf.json --job job.json
  leadboard versions --versions versions.json --jobs jobs.json`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			observability.Version = version
			observability.Commit = commit
			// A missing .env file is normal outside development.
			if envFile != "" {
				_ = godotenv.Load(envFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	root.AddCommand(newServeCmd(), newInspectCmd(), newVersionsCmd())
	return root
}
