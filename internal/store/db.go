package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"coldwatch.dev/telemetry/pkg/errs"
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// readingsDDL creates the partitioned parent relation. It cannot go through
// AutoMigrate: GORM has no notion of PARTITION BY, and the primary key must
// include the partition column.
const readingsDDL = `
CREATE TABLE IF NOT EXISTS readings (
    id UUID NOT NULL DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL,
    sensor_id UUID NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,

    temperature DECIMAL(6,3) NULL,
    humidity DECIMAL(5,2) NULL,
    pressure DECIMAL(7,2) NULL,
    battery_voltage DECIMAL(4,3) NULL,

    rssi INTEGER NULL,
    data_quality_score DECIMAL(3,2) NULL,
    is_manual_entry BOOLEAN NOT NULL DEFAULT FALSE,

    temperature_deviation BOOLEAN NOT NULL DEFAULT FALSE,
    humidity_deviation BOOLEAN NOT NULL DEFAULT FALSE,
    deviation_detected BOOLEAN NOT NULL DEFAULT FALSE,
    compliance_status VARCHAR(20) NOT NULL DEFAULT 'compliant',

    alert_generated BOOLEAN NOT NULL DEFAULT FALSE,
    alert_id UUID NULL,

    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (id, timestamp),

    CONSTRAINT fk_readings_organization
        FOREIGN KEY (organization_id) REFERENCES organizations(id) ON DELETE RESTRICT,
    CONSTRAINT fk_readings_sensor
        FOREIGN KEY (sensor_id) REFERENCES sensors(id) ON DELETE RESTRICT,

    CONSTRAINT chk_temperature_range
        CHECK (temperature IS NULL OR temperature BETWEEN -80.0 AND 100.0),
    CONSTRAINT chk_humidity_range
        CHECK (humidity IS NULL OR humidity BETWEEN 0.0 AND 100.0),
    CONSTRAINT chk_pressure_range
        CHECK (pressure IS NULL OR pressure BETWEEN 0.0 AND 2000.0),
    CONSTRAINT chk_battery_voltage_range
        CHECK (battery_voltage IS NULL OR battery_voltage BETWEEN 0.0 AND 5.0),
    CONSTRAINT chk_data_quality_range
        CHECK (data_quality_score IS NULL OR data_quality_score BETWEEN 0.0 AND 1.0),
    CONSTRAINT chk_compliance_status_valid
        CHECK (compliance_status IN ('compliant', 'deviation', 'critical', 'under_review'))
) PARTITION BY RANGE (timestamp)
`

// NewDB creates a new database connection and runs migrations.
func NewDB(cfg *DBConfig) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // slog carries our logging
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Surfaces unique violations as gorm.ErrDuplicatedKey for AsDuplicate.
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	if err := runMigrations(db, cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations migrates all models and bootstraps the partitioned readings
// relation plus the default maintenance schedule.
func runMigrations(db *gorm.DB, logger *slog.Logger) error {
	logger.Info("running database migrations")

	if err := db.AutoMigrate(
		&Organization{},
		&User{},
		&Location{},
		&Sensor{},
		&Alert{},
		&Calibration{},
		&AuditEntry{},
		&ArchiveRecord{},
		&MaintenanceJob{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	if err := db.Exec(readingsDDL).Error; err != nil {
		return fmt.Errorf("readings table creation failed: %w", err)
	}

	if err := seedMaintenanceJobs(db); err != nil {
		return fmt.Errorf("maintenance job seeding failed: %w", err)
	}

	logger.Info("database migrations completed successfully")
	return nil
}

// seedMaintenanceJobs inserts the default job rows; existing rows win.
func seedMaintenanceJobs(db *gorm.DB) error {
	defaults := []MaintenanceJob{
		{JobName: "archive_old_readings", JobType: "archive", Schedule: "monthly"},
		{JobName: "cleanup_expired_data", JobType: "cleanup", Schedule: "monthly"},
		{JobName: "ensure_future_partitions", JobType: "partition", Schedule: "weekly"},
		{JobName: "refresh_table_statistics", JobType: "stats_update", Schedule: "weekly"},
		{JobName: "vacuum_readings_partitions", JobType: "vacuum", Schedule: "weekly"},
		{JobName: "reindex_critical_indexes", JobType: "reindex", Schedule: "monthly"},
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}},
		DoNothing: true,
	}).Create(&defaults).Error
}

// AsDuplicate maps an engine unique-violation onto the duplicate error kind,
// naming the conflicting entity and field. Other errors pass through
// unchanged.
func AsDuplicate(err error, entity, field string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.Duplicate(entity, field)
	}
	return err
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
