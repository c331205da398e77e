// Package gorm opens gorm connections for the configured database type. Dialect
// packages (sqlite, postgres, mysql) register themselves with RegisterDialector from
// their init functions, so the binary only links the drivers it imports.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"

	dbconfig "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/config"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// DialectorFactory builds a gorm.Dialector from a DatabaseConfig.
type DialectorFactory func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error)

var (
	dialectorRegistry = make(map[string]DialectorFactory)
	dialectorMutex    sync.RWMutex
)

// RegisterDialector registers factory for dbType, replacing any previous registration.
func RegisterDialector(dbType string, factory DialectorFactory) {
	dialectorMutex.Lock()
	defer dialectorMutex.Unlock()
	if _, exists := dialectorRegistry[dbType]; exists {
		logger.Warnf("Dialector for type '%s' already registered. Overwriting.", dbType)
	}
	dialectorRegistry[dbType] = factory
}

// GetDialectorFactory returns the factory registered for dbType.
func GetDialectorFactory(dbType string) (DialectorFactory, error) {
	dialectorMutex.RLock()
	defer dialectorMutex.RUnlock()
	factory, ok := dialectorRegistry[dbType]
	if !ok {
		return nil, fmt.Errorf("no dialector registered for database type: %s", dbType)
	}
	return factory, nil
}

// Connection is an open gorm connection together with its configuration.
type Connection struct {
	db   *gorm.DB
	cfg  dbconfig.DatabaseConfig
	name string
}

// Open connects to the database described by cfg and applies its pool settings.
func Open(name string, cfg dbconfig.DatabaseConfig) (*Connection, error) {
	factory, err := GetDialectorFactory(cfg.Type)
	if err != nil {
		return nil, err
	}
	dialector, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialector for %s: %w", cfg.Type, err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: NewGormLogger(cfg.LogLevel)})
	if err != nil {
		return nil, fmt.Errorf("failed to open GORM connection '%s': %w", name, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Pool.ConnMaxLifetimeMinutes) * time.Minute)
	}

	logger.Infof("Opened %s database connection '%s'.", cfg.Type, name)
	return &Connection{db: db, cfg: cfg, name: name}, nil
}

// NewConnection wraps an already opened gorm.DB. dbType must match a migration dialect.
func NewConnection(name, dbType string, db *gorm.DB) *Connection {
	return &Connection{db: db, cfg: dbconfig.DatabaseConfig{Type: dbType}, name: name}
}

// DB returns the gorm handle.
func (c *Connection) DB() *gorm.DB { return c.db }

// SQLDB returns the underlying *sql.DB.
func (c *Connection) SQLDB() (*sql.DB, error) { return c.db.DB() }

// Type returns the database type (sqlite, postgres, mysql).
func (c *Connection) Type() string { return c.cfg.Type }

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// Close closes the underlying pool.
func (c *Connection) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	logger.Debugf("Closing database connection '%s'.", c.name)
	return sqlDB.Close()
}

// NewMetadataConnection opens the "metadata" adapter from the application configuration.
// Without an adapter section it falls back to a local sqlite file.
func NewMetadataConnection(lc fx.Lifecycle, cfg *config.Config) (*Connection, error) {
	dbCfg := dbconfig.DatabaseConfig{Type: "sqlite", Database: "logstats-metadata.db"}
	if _, err := cfg.DecodeAdapter(config.MetadataAdapterName, &dbCfg); err != nil {
		return nil, err
	}
	conn, err := Open(config.MetadataAdapterName, dbCfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return conn.Close() },
	})
	return conn, nil
}

// Module provides the metadata *Connection.
var Module = fx.Options(
	fx.Provide(NewMetadataConnection),
)
