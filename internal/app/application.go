// Package app assembles the logstats fx applications.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"

	_ "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm/mysql"
	_ "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm/postgres"
	_ "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm/sqlite"
	_ "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/gcs"
	_ "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/local"

	"github.com/tigerroll/logstats/internal/app/stats"
	"github.com/tigerroll/logstats/internal/httpapi"
	gormadapter "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm"
	"github.com/tigerroll/logstats/pkg/pipeline/adapter/storage"
	"github.com/tigerroll/logstats/pkg/pipeline/component/cleaner"
	"github.com/tigerroll/logstats/pkg/pipeline/component/columnar"
	"github.com/tigerroll/logstats/pkg/pipeline/component/migration"
	"github.com/tigerroll/logstats/pkg/pipeline/component/remote"
	"github.com/tigerroll/logstats/pkg/pipeline/core/application/usecase"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/core/domain/repository"
	inframetrics "github.com/tigerroll/logstats/pkg/pipeline/infrastructure/metrics"
	gormrepo "github.com/tigerroll/logstats/pkg/pipeline/infrastructure/repository/gorm"
	"github.com/tigerroll/logstats/pkg/pipeline/infrastructure/tracing"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// startTimeout bounds the fx start and stop phases of the one-shot commands.
const startTimeout = 30 * time.Second

// baseOptions wires configuration, logging, the metadata and cache adapters and
// telemetry. Every command starts from these.
func baseOptions(envFilePath string, embeddedConfig config.EmbeddedConfig) fx.Option {
	return fx.Options(
		fx.Supply(
			embeddedConfig,
			fx.Annotate(envFilePath, fx.ResultTags(`name:"envFilePath"`)),
		),
		logger.Module,
		config.Module,
		inframetrics.Module,
		tracing.Module,
		gormadapter.Module,
		storage.Module,
		gormrepo.Module,
		migration.Module,
		columnar.Module,
	)
}

// prepareMetadata applies the metadata schema and registers the configured datasets.
func prepareMetadata(lc fx.Lifecycle, m *migration.Migrator, cacheCfg *config.CacheConfig, repo repository.CacheMetadataRepository) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := m.ApplySchema(ctx); err != nil {
				return err
			}
			return remote.SeedDatasets(ctx, cacheCfg, repo)
		},
	})
}

// NewServeApplication builds the long-running service: the HTTP API, the job queue
// and the periodic cache cleaner.
func NewServeApplication(envFilePath string, embeddedConfig config.EmbeddedConfig) *fx.App {
	return fx.New(
		baseOptions(envFilePath, embeddedConfig),
		fx.Invoke(prepareMetadata),
		remote.Module,
		usecase.Module,
		cleaner.Module,
		cleaner.ScheduleModule,
		stats.Module,
		httpapi.Module,
	)
}

// RunServe runs the service until ctx is cancelled.
func RunServe(ctx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig) error {
	app := NewServeApplication(envFilePath, embeddedConfig)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	logger.Infof("logstats is running.")

	select {
	case <-ctx.Done():
		logger.Warnf("Shutdown requested: %v", ctx.Err())
	case sig := <-app.Wait():
		logger.Infof("Shutdown signal received (exit code %d).", sig.ExitCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
	defer stopCancel()
	return app.Stop(stopCtx)
}

// runOnce starts an application built from opts, runs fn against its graph and stops it.
func runOnce(ctx context.Context, opts fx.Option, fn interface{}) error {
	app := fx.New(opts, fx.Invoke(fn))
	if err := app.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
	defer stopCancel()
	return app.Stop(stopCtx)
}

// RunMigrate applies the metadata schema and exits.
func RunMigrate(ctx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig) error {
	var migrateErr error
	err := runOnce(ctx, baseOptions(envFilePath, embeddedConfig), func(m *migration.Migrator, cacheCfg *config.CacheConfig, repo repository.CacheMetadataRepository) {
		if migrateErr = m.ApplySchema(ctx); migrateErr != nil {
			return
		}
		migrateErr = remote.SeedDatasets(ctx, cacheCfg, repo)
	})
	if err != nil {
		return err
	}
	if migrateErr == nil {
		logger.Infof("Metadata schema is up to date.")
	}
	return migrateErr
}

// RunClean performs a single cache sweep and returns its report.
func RunClean(ctx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig) (cleaner.Report, error) {
	var (
		report   cleaner.Report
		cleanErr error
	)
	opts := fx.Options(baseOptions(envFilePath, embeddedConfig), cleaner.Module)
	err := runOnce(ctx, opts, func(m *migration.Migrator, c *cleaner.Cleaner) {
		if cleanErr = m.ApplySchema(ctx); cleanErr != nil {
			return
		}
		report, cleanErr = c.RunOnce(ctx)
	})
	if err != nil {
		return report, err
	}
	return report, cleanErr
}
