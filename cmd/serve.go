package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/bootstrap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled ingestions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			return bootstrap.Serve(cmd.Context(), app)
		},
	}
}
