// Package sqlite registers the SQLite dialector.
package sqlite

import (
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbconfig "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/config"
	gormadapter "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm"
)

// DBType is the configuration type name handled by this package.
const DBType = "sqlite"

func init() {
	gormadapter.RegisterDialector(DBType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Database == "" {
			return nil, errors.New("SQLite database path cannot be empty")
		}
		return sqlite.Open(ConnectionString(cfg)), nil
	})
}

// ConnectionString returns the DSN for cfg. Foreign keys are enforced and writers wait
// on a busy database instead of failing.
func ConnectionString(cfg dbconfig.DatabaseConfig) string {
	return "file:" + cfg.Database + "?_foreign_keys=on&_busy_timeout=5000"
}
