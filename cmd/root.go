// Package cmd implements the product-ingest command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	infraconfig "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/config"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
)

const defaultConfigPath = "config.yml"

// version is set at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "product-ingest",
	Short:         "Ingest storefront products and publish them to commerce destinations",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default is $CONFIG_PATH or ./config.yml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("app.debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindEnv("app.debug", "APP_DEBUG")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newIngestCommand(),
		newJobsCommand(),
		newPublishCommand(),
		newVersionCommand(),
	)
}

// configPath resolves --config, then CONFIG_PATH, then the default.
func configPath() string {
	if path := viper.GetString("config"); path != "" {
		return path
	}
	return infraconfig.GetConfigPath(defaultConfigPath)
}

func debugEnabled() bool {
	return viper.GetBool("app.debug")
}

// loadConfig loads the configuration and builds the logger.
func loadConfig() (*config.Config, infralogger.Logger, error) {
	cfg, err := bootstrap.LoadConfig(configPath())
	if err != nil {
		return nil, nil, err
	}
	if version != "dev" {
		cfg.Service.Version = version
	}

	log, err := bootstrap.CreateLogger(cfg, debugEnabled())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// loadApp loads the configuration and wires the full application.
func loadApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	app, err := bootstrap.NewApp(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return app, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "product-ingest version %s\n", version)
		},
	}
}
