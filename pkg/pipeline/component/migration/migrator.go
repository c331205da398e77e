// Package migration applies the cache metadata schema with golang-migrate. The SQL for
// each supported dialect is embedded under schema/<dialect>.
package migration

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"

	gormadapter "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// SchemaMigrationsTable tracks the applied versions of the embedded schema.
const SchemaMigrationsTable = "logstats_schema_migrations"

//go:embed schema
var schemaFS embed.FS

// Migrator applies migrations to one database connection.
type Migrator struct {
	conn *gormadapter.Connection
}

// NewMigrator creates a Migrator for conn.
func NewMigrator(conn *gormadapter.Connection) *Migrator {
	return &Migrator{conn: conn}
}

// ApplySchema applies every pending migration of the embedded cache metadata schema.
func (m *Migrator) ApplySchema(ctx context.Context) error {
	return m.Up(ctx, schemaFS, "schema/"+m.conn.Type(), SchemaMigrationsTable)
}

// RollbackSchema reverts the embedded cache metadata schema.
func (m *Migrator) RollbackSchema(ctx context.Context) error {
	return m.Down(ctx, schemaFS, "schema/"+m.conn.Type(), SchemaMigrationsTable)
}

// Up applies all pending migrations found at path in migrationFS.
func (m *Migrator) Up(ctx context.Context, migrationFS fs.FS, path, tableName string) error {
	return m.run(ctx, migrationFS, path, tableName, "up")
}

// Down reverts all migrations found at path in migrationFS.
func (m *Migrator) Down(ctx context.Context, migrationFS fs.FS, path, tableName string) error {
	return m.run(ctx, migrationFS, path, tableName, "down")
}

func (m *Migrator) run(ctx context.Context, migrationFS fs.FS, path, tableName, command string) error {
	logger.Infof("Executing migration '%s' (Path: %s, Table: %s)", command, path, tableName)

	sourceDriver, err := iofs.New(migrationFS, path)
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver for path %s: %w", path, err)
	}
	defer sourceDriver.Close()

	dbDriver, release, err := m.databaseDriver(ctx, tableName)
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	defer release()

	mInstance, err := migrate.NewWithInstance("iofs", sourceDriver, m.conn.Type(), dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	var migrateErr error
	switch command {
	case "up":
		migrateErr = mInstance.Up()
	case "down":
		migrateErr = mInstance.Down()
	default:
		return fmt.Errorf("unsupported migration command: %s", command)
	}
	if migrateErr != nil && !errors.Is(migrateErr, migrate.ErrNoChange) {
		if version, dirty, verr := mInstance.Version(); verr == nil {
			logger.Errorf("Migration failed at version %d (dirty=%t).", version, dirty)
		}
		return fmt.Errorf("migration failed for command '%s' (DB: %s, Path: %s): %w", command, m.conn.Type(), path, migrateErr)
	}
	logger.Infof("Migration '%s' completed successfully.", command)
	return nil
}

// databaseDriver builds a golang-migrate driver on the shared pool. The returned release
// func frees what the driver borrowed without closing the pool itself.
func (m *Migrator) databaseDriver(ctx context.Context, tableName string) (database.Driver, func(), error) {
	sqlDB, err := m.conn.SQLDB()
	if err != nil {
		return nil, nil, err
	}
	switch m.conn.Type() {
	case "sqlite":
		// The sqlite3 driver's Close closes the *sql.DB, so it is never called.
		d, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{MigrationsTable: tableName})
		return d, func() {}, err
	case "postgres":
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		d, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: tableName})
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	case "mysql":
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		d, err := mysql.WithConnection(ctx, conn, &mysql.Config{MigrationsTable: tableName})
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type for migration: %s", m.conn.Type())
	}
}

// Module provides the Migrator.
var Module = fx.Options(
	fx.Provide(NewMigrator),
)
