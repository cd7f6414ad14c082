package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
)

func newIngestCommand() *cobra.Command {
	var req ledger.CreateRequest
	var kind string

	cmd := &cobra.Command{
		Use:   "ingest <url>",
		Short: "Run one ingestion job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			req.SourceURL = args[0]
			req.Kind = domain.SourceKind(kind)

			job, err := app.Runner.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), job)
			if job.Status != domain.JobStatusCompleted {
				return fmt.Errorf("job %s ended %s", job.ID, job.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(domain.SourceKindCrawl), "source kind: crawl or export")
	cmd.Flags().IntVar(&req.MaxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	cmd.Flags().BoolVar(&req.MergeAcrossSources, "merge-across-sources", false,
		"group products by title alone so listings from other sources merge")

	return cmd
}
