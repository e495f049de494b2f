// Package store defines the persistent data model of the telemetry backend
// and the database bootstrap. The readings relation is time-partitioned and
// created via raw DDL; everything else is migrated through GORM.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Compliance status values carried on readings.
const (
	ComplianceCompliant   = "compliant"
	ComplianceDeviation   = "deviation"
	ComplianceCritical    = "critical"
	ComplianceUnderReview = "under_review"
)

// Sensor status values.
const (
	SensorOnline      = "online"
	SensorOffline     = "offline"
	SensorWarning     = "warning"
	SensorError       = "error"
	SensorMaintenance = "maintenance"
)

// Alert lifecycle states.
const (
	AlertActive       = "active"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
	AlertDismissed    = "dismissed"
)

// Archive ledger states.
const (
	ArchivePending    = "pending"
	ArchiveInProgress = "in_progress"
	ArchiveCompleted  = "completed"
	ArchiveFailed     = "failed"
)

// Organization is the tenant root. Deleting one is restricted while
// compliance history exists; it never cascades into readings.
type Organization struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Name               string    `gorm:"size:200;not null"`
	Slug               string    `gorm:"size:100;uniqueIndex;not null"`
	SubscriptionPlan   string    `gorm:"size:20;not null;default:free"`
	MaxSensors         int       `gorm:"not null;default:10;check:chk_max_sensors_positive,max_sensors > 0"`
	RetentionMonths    int       `gorm:"not null;default:24;check:chk_retention_min_6_months,retention_months >= 6"`
	AutoArchiveEnabled bool      `gorm:"not null;default:true"`
	Timezone           string    `gorm:"size:50;not null;default:UTC"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Organization.
func (Organization) TableName() string { return "organizations" }

// User belongs to exactly one organization. Users are soft-disabled through
// IsActive and never hard-deleted while referential history exists.
type User struct {
	ID                      uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID          uuid.UUID  `gorm:"type:uuid;not null;index"`
	Email                   string     `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash            string     `gorm:"size:255;not null"`
	FirstName               string     `gorm:"size:100"`
	LastName                string     `gorm:"size:100"`
	Role                    string     `gorm:"size:20;not null;default:operator"`
	IsActive                bool       `gorm:"not null;default:true"`
	HACCPCertificateNumber  *string    `gorm:"size:100"`
	HACCPCertificateExpiry  *time.Time
	LastLoginAt             *time.Time
	CreatedAt               time.Time `gorm:"autoCreateTime"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime"`
	Organization            Organization `gorm:"foreignKey:OrganizationID;constraint:OnDelete:RESTRICT"`
}

// TableName specifies the table name for User.
func (User) TableName() string { return "users" }

// Location groups sensors and carries the acceptable measurement ranges used
// for deviation evaluation at ingest time.
type Location struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;index"`
	Name           string    `gorm:"size:100;not null"`
	LocationType   string    `gorm:"size:20;not null"`
	TemperatureMin *float64  `gorm:"type:decimal(5,2)"`
	TemperatureMax *float64  `gorm:"type:decimal(5,2)"`
	HumidityMin    *float64  `gorm:"type:decimal(5,2)"`
	HumidityMax    *float64  `gorm:"type:decimal(5,2)"`
	Zone           string    `gorm:"size:50"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	Organization   Organization `gorm:"foreignKey:OrganizationID;constraint:OnDelete:RESTRICT"`
}

// TableName specifies the table name for Location.
func (Location) TableName() string { return "locations" }

// Sensor is a telemetry device. Status and last-seen are mutated by
// ingestion; calibration fields by calibration events.
type Sensor struct {
	ID                     uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID         uuid.UUID  `gorm:"type:uuid;not null;index:idx_sensors_org_status"`
	LocationID             *uuid.UUID `gorm:"type:uuid;index"`
	DeviceID               string     `gorm:"size:50;uniqueIndex;not null"`
	Name                   string     `gorm:"size:100;not null"`
	SensorType             string     `gorm:"size:30;not null;default:temperature_humidity"`
	Status                 string     `gorm:"size:20;not null;default:offline;index:idx_sensors_org_status"`
	BatteryLevel           int        `gorm:"not null;default:100;check:chk_battery_level,battery_level >= 0 AND battery_level <= 100"`
	ReadingIntervalSeconds int        `gorm:"not null;default:300;check:chk_reading_interval,reading_interval_seconds > 0"`
	LastSeenAt             *time.Time
	LastReadingAt          *time.Time
	LastCalibrationAt      *time.Time
	CalibrationDueAt       *time.Time
	CreatedAt              time.Time `gorm:"autoCreateTime"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime"`
	Organization           Organization `gorm:"foreignKey:OrganizationID;constraint:OnDelete:RESTRICT"`
	Location               *Location    `gorm:"foreignKey:LocationID;constraint:OnDelete:SET NULL"`
}

// TableName specifies the table name for Sensor.
func (Sensor) TableName() string { return "sensors" }

// Reading is an immutable fact record, uniquely identified by
// (id, timestamp) and partitioned by timestamp into monthly segments. The
// parent relation is created via raw DDL in runMigrations; this model is the
// row mapping used for inserts and queries against the parent.
type Reading struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID   uuid.UUID `gorm:"type:uuid;not null"`
	SensorID         uuid.UUID `gorm:"type:uuid;not null"`
	Timestamp        time.Time `gorm:"primaryKey;not null"`
	Temperature      *float64  `gorm:"type:decimal(6,3)"`
	Humidity         *float64  `gorm:"type:decimal(5,2)"`
	Pressure         *float64  `gorm:"type:decimal(7,2)"`
	BatteryVoltage   *float64  `gorm:"type:decimal(4,3)"`
	RSSI             *int
	DataQualityScore *float64 `gorm:"type:decimal(3,2)"`
	IsManualEntry    bool     `gorm:"not null;default:false"`

	TemperatureDeviation bool   `gorm:"not null;default:false"`
	HumidityDeviation    bool   `gorm:"not null;default:false"`
	DeviationDetected    bool   `gorm:"not null;default:false"`
	ComplianceStatus     string `gorm:"size:20;not null;default:compliant"`

	AlertGenerated bool       `gorm:"not null;default:false"`
	AlertID        *uuid.UUID `gorm:"type:uuid"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
}

// TableName specifies the table name for Reading.
func (Reading) TableName() string { return "readings" }

// Alert is a tenant-scoped event with lifecycle
// active -> acknowledged -> resolved | dismissed.
type Alert struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID        uuid.UUID  `gorm:"type:uuid;not null;index:idx_alerts_org_status"`
	SensorID              *uuid.UUID `gorm:"type:uuid;index"`
	AlertType             string     `gorm:"size:30;not null"`
	Severity              string     `gorm:"size:20;not null;default:medium"`
	Message               string     `gorm:"type:text;not null"`
	ThresholdValue        *float64   `gorm:"type:decimal(10,2)"`
	CurrentValue          *float64   `gorm:"type:decimal(10,2)"`
	Status                string     `gorm:"size:20;not null;default:active;index:idx_alerts_org_status"`
	AcknowledgedBy        *uuid.UUID `gorm:"type:uuid"`
	AcknowledgedAt        *time.Time
	ResolvedBy            *uuid.UUID `gorm:"type:uuid"`
	ResolvedAt            *time.Time
	ResolutionNotes       *string    `gorm:"type:text"`
	HACCPComplianceImpact bool       `gorm:"not null;default:false"`
	CreatedAt             time.Time  `gorm:"autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Alert.
func (Alert) TableName() string { return "alerts" }

// Calibration records a calibration event for a sensor. NextDueAt must be
// strictly after PerformedAt; the ingest service enforces it before insert
// and the schema carries the matching check constraint.
type Calibration struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	SensorID             uuid.UUID  `gorm:"type:uuid;not null;index"`
	CalibrationType      string     `gorm:"size:30;not null;default:routine"`
	ReferenceTemperature *float64   `gorm:"type:decimal(6,3)"`
	MeasuredTemperature  *float64   `gorm:"type:decimal(6,3)"`
	ReferenceHumidity    *float64   `gorm:"type:decimal(5,2)"`
	MeasuredHumidity     *float64   `gorm:"type:decimal(5,2)"`
	AccuracyAchieved     float64    `gorm:"type:decimal(4,3);not null;check:chk_accuracy_positive,accuracy_achieved >= 0"`
	Passed               bool       `gorm:"not null"`
	Notes                *string    `gorm:"type:text"`
	PerformedBy          *uuid.UUID `gorm:"type:uuid"`
	PerformedAt          time.Time  `gorm:"not null"`
	NextDueAt            time.Time  `gorm:"not null;check:chk_next_due_future,next_due_at > performed_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Calibration.
func (Calibration) TableName() string { return "calibrations" }

// AuditEntry is an append-only record of a mutation or access-relevant
// event. Entries are never updated; only the retention cleanup deletes them.
type AuditEntry struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrganizationID *uuid.UUID `gorm:"type:uuid;index"`
	UserID         *uuid.UUID `gorm:"type:uuid"`
	Action         string     `gorm:"size:100;not null"`
	ResourceType   string     `gorm:"size:50"`
	ResourceID     *uuid.UUID `gorm:"type:uuid"`
	OldValues      []byte     `gorm:"type:jsonb"`
	NewValues      []byte     `gorm:"type:jsonb"`
	ChangesSummary string     `gorm:"type:text"`
	HACCPRelevant  bool       `gorm:"not null;default:false"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for AuditEntry.
func (AuditEntry) TableName() string { return "audit_entries" }

// ArchiveRecord is the ledger entry describing one partition moved to cold
// storage. It references the partition by name, not by a live foreign key;
// the partition may no longer exist at read time.
type ArchiveRecord struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ArchiveType    string     `gorm:"size:50;not null"`
	SourceTable    string     `gorm:"size:100;not null;index"`
	ArchiveTable   string     `gorm:"size:100;not null"`
	DateRangeStart time.Time  `gorm:"not null"`
	DateRangeEnd   time.Time  `gorm:"not null;check:chk_date_range,date_range_end > date_range_start"`
	RowCount       int64      `gorm:"not null;check:chk_row_count_positive,row_count >= 0"`
	Status         string     `gorm:"size:20;not null;default:pending;index"`
	Notes          string     `gorm:"type:text"`
	ArchivedBy     *uuid.UUID `gorm:"type:uuid"`
	ArchivedAt     time.Time  `gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for ArchiveRecord.
func (ArchiveRecord) TableName() string { return "archive_records" }

// MaintenanceJob is one row per recurring job type, carrying the schedule
// class and the last/next run bookkeeping.
type MaintenanceJob struct {
	ID                     uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	JobName                string     `gorm:"size:100;uniqueIndex;not null"`
	JobType                string     `gorm:"size:50;not null"`
	Schedule               string     `gorm:"size:100;not null"`
	Enabled                bool       `gorm:"not null;default:true"`
	LastRunAt              *time.Time
	LastRunStatus          *string  `gorm:"size:20"`
	LastRunDurationSeconds *float64 `gorm:"type:numeric"`
	LastRunMessage         *string  `gorm:"type:text"`
	NextRunAt              *time.Time `gorm:"index"`
	CreatedAt              time.Time  `gorm:"autoCreateTime"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for MaintenanceJob.
func (MaintenanceJob) TableName() string { return "maintenance_jobs" }
