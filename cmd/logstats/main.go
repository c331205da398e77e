package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "embed"

	"github.com/spf13/cobra"

	"github.com/tigerroll/logstats/internal/app"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// embeddedConfig is the default application configuration bundled into the binary.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

func newRootCommand() *cobra.Command {
	var envFilePath string

	root := &cobra.Command{
		Use:           "logstats",
		Short:         "Combat-log statistics collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFilePath, "env-file", envOrDefault("ENV_FILE_PATH", ".env"), "path of the .env file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job API, the job queue and the cache cleaner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunServe(cmd.Context(), envFilePath, config.EmbeddedConfig(embeddedConfig))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the metadata schema and register configured datasets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunMigrate(cmd.Context(), envFilePath, config.EmbeddedConfig(embeddedConfig))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Run one cache cleaner pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := app.RunClean(cmd.Context(), envFilePath, config.EmbeddedConfig(embeddedConfig))
			logger.Infof("Cleaner removed %d expired, %d missing and %d orphaned files and %d snapshots.",
				report.Expired, report.Missing, report.Orphaned, report.Snapshots)
			return err
		},
	})
	return root
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logger.Errorf("logstats: %v", err)
		stop()
		os.Exit(1)
	}
}
