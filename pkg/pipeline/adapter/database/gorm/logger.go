package gorm

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// slowQueryThreshold is the duration above which a statement is logged as slow.
const slowQueryThreshold = 500 * time.Millisecond

// GormLogger sends gorm's log output through the logstats logger.
type GormLogger struct {
	level gormlogger.LogLevel
}

// NewGormLogger creates a GormLogger. level is SILENT, ERROR, WARN or INFO; anything
// else means SILENT.
func NewGormLogger(level string) gormlogger.Interface {
	lvl := gormlogger.Silent
	switch strings.ToUpper(level) {
	case "ERROR":
		lvl = gormlogger.Error
	case "WARN":
		lvl = gormlogger.Warn
	case "INFO", "DEBUG", "TRACE":
		lvl = gormlogger.Info
	}
	return &GormLogger{level: lvl}
}

// LogMode implements gormlogger.Interface.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &GormLogger{level: level}
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.Debugf("gorm: "+msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.Warnf("gorm: "+msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.Errorf("gorm: "+msg, data...)
	}
}

// Trace logs failed and slow statements, and every statement at INFO.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		logger.Errorf("gorm: %v [%s] rows=%d %s", err, elapsed, rows, sql)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		logger.Warnf("gorm: slow query [%s] rows=%d %s", elapsed, rows, sql)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		logger.Tracef("gorm: [%s] rows=%d %s", elapsed, rows, sql)
	}
}
