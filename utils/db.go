package utils

import (
	"fmt"
	"log/slog"
	"time"

	"pickup-match-system/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// OpenDatabase connects to postgres (production) or sqlite (local runs and
// tests), installs the tracing plugin and migrates every model.
func OpenDatabase(driver, dsn string, logger *slog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite allows a single writer; queue callers instead of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}

	if err := db.AutoMigrate(models.MigrateModels...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if logger != nil {
		logger.Info("database ready", "driver", driver, "tables", len(models.MigrateModels))
	}
	return db, nil
}
