package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

func newPublishCommand() *cobra.Command {
	var destination string

	cmd := &cobra.Command{
		Use:   "publish <product-id>...",
		Short: "Push stored products to a destination, resuming partial pushes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			results, err := app.Publisher.PublishMany(cmd.Context(), args, destination)
			if err != nil {
				return err
			}
			renderResults(cmd.OutOrStdout(), results)

			failed := 0
			for _, r := range results {
				if r.Record == nil || r.Record.Status != domain.PublishStatusPushed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d products not pushed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&destination, "destination", "", "configured destination name")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}
