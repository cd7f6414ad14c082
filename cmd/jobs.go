package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect ingestion jobs",
	}
	cmd.AddCommand(newJobsListCommand(), newJobsGetCommand())
	return cmd
}

func newJobsListCommand() *cobra.Command {
	var status string
	var filter domain.JobFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				filter.Status = domain.JobStatus(status)
				if !filter.Status.IsValid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}

			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			jobs, err := app.Ledger.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of jobs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of jobs to skip")
	return cmd
}

func newJobsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			job, err := app.Ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}
