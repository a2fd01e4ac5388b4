package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"roomwatt-backend/config"
	"roomwatt-backend/internal/model"
)

// Init opens the configured database and runs migrations.
func Init(cfg *config.DatabaseConfig, zl *zap.Logger) (*gorm.DB, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	level := logger.Warn
	if cfg.LogQueries {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewLogger(zl, level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// one writer; also keeps ":memory:" databases on a single connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	zl.Info("Running database migrations", zap.String("driver", cfg.Driver))
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.EnableTimescale && cfg.Driver == "postgres" {
		zl.Info("TimescaleDB is enabled, applying TimescaleDB-specific DDL")
		if err := applyTimescaleDDL(db); err != nil {
			zl.Warn("Failed to apply some TimescaleDB DDL, continuing without it", zap.Error(err))
		}
	}

	zl.Info("Database initialization complete")
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Room{},
		&model.Device{},
		&model.LedgerOpen{},
		&model.LedgerEntry{},
		&model.HourlyBucket{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "postgres":
		return postgres.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func applyTimescaleDDL(db *gorm.DB) error {
	ddls := []string{
		"CREATE EXTENSION IF NOT EXISTS timescaledb;",

		// ledger_entries uses a uuid primary key, so the hypertable is keyed on
		// started_at and the unique index must include it.
		"ALTER TABLE ledger_entries DROP CONSTRAINT IF EXISTS ledger_entries_pkey;",
		"ALTER TABLE ledger_entries ADD PRIMARY KEY (id, started_at);",
		"SELECT create_hypertable('ledger_entries', 'started_at', if_not_exists => TRUE, migrate_data => TRUE);",
		"ALTER TABLE ledger_entries ADD CONSTRAINT ledger_entries_period_valid CHECK (started_at <= ended_at);",
		"CREATE INDEX IF NOT EXISTS idx_ledger_entries_room_started ON ledger_entries (room_id, started_at DESC);",

		"SELECT create_hypertable('hourly_buckets', 'hour_start', if_not_exists => TRUE, migrate_data => TRUE);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
