package db

import (
	"fmt"
	stlog "log" // gorm's logger.New wants a standard *log.Logger
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Open connects to the sqlite database at dsn and migrates the given models.
// gorm's own logging is routed through zerolog at a matching level.
func Open(dsn string, modelsToMigrate ...interface{}) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	newLogger := gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormLevel(zerolog.GlobalLevel()),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if len(modelsToMigrate) > 0 {
		if err := database.AutoMigrate(modelsToMigrate...); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
		}
	}

	log.Info().Str("dsn", dsn).Int("modelsMigrated", len(modelsToMigrate)).Msg("Database connection established")
	return database, nil
}

func gormLevel(level zerolog.Level) gormlogger.LogLevel {
	switch {
	case level <= zerolog.DebugLevel:
		return gormlogger.Info
	case level <= zerolog.WarnLevel:
		return gormlogger.Warn
	case level <= zerolog.ErrorLevel:
		return gormlogger.Error
	default:
		return gormlogger.Silent
	}
}
