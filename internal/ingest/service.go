// Package ingest persists sensor readings: validation, tenant authorization,
// deviation evaluation against location thresholds, partition routing, and
// the sensor/alert side effects of each accepted reading.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
	"coldwatch.dev/telemetry/pkg/metrics"
)

// Thresholds a measurement must fall within to be accepted at all. Values
// outside these are rejected as sensor garbage, not recorded as deviations.
const (
	tempMin     = -80.0
	tempMax     = 100.0
	humidityMin = 0.0
	humidityMax = 100.0
	pressureMin = 0.0
	pressureMax = 2000.0
	batteryMin  = 0.0
	batteryMax  = 5.0
	qualityMin  = 0.0
	qualityMax  = 1.0
)

// Margin beyond the location threshold at which a deviation is escalated to
// critical and an alert is raised.
const (
	criticalTempMargin     = 5.0
	criticalHumidityMargin = 10.0
)

// ReadingInput is one measurement submitted for ingestion.
type ReadingInput struct {
	DeviceID         string
	Timestamp        time.Time
	Temperature      *float64
	Humidity         *float64
	Pressure         *float64
	BatteryVoltage   *float64
	RSSI             *int
	DataQualityScore *float64
	IsManualEntry    bool
}

// CalibrationInput is one calibration event for a sensor.
type CalibrationInput struct {
	DeviceID             string
	CalibrationType      string
	ReferenceTemperature *float64
	MeasuredTemperature  *float64
	ReferenceHumidity    *float64
	MeasuredHumidity     *float64
	AccuracyAchieved     float64
	Passed               bool
	Notes                *string
	PerformedAt          time.Time
	NextDueAt            time.Time
}

// ServiceConfig holds the configuration for the ingest service.
type ServiceConfig struct {
	Logger     *slog.Logger
	DB         *gorm.DB
	Enforcer   *isolation.Enforcer
	Partitions *partition.Manager
	// Source labels this service's ingest metrics: "queue" for the consumer,
	// "direct" for CLI and test paths.
	Source string
}

// Service is the reading ingestion pipeline.
type Service struct {
	logger     *slog.Logger
	db         *gorm.DB
	enforcer   *isolation.Enforcer
	partitions *partition.Manager
	metrics    *metrics.TelemetryMetrics
	source     string
	nowFn      func() time.Time
}

// NewService creates a new ingest service.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Enforcer == nil {
		return nil, errors.New("enforcer cannot be nil")
	}
	if cfg.Partitions == nil {
		return nil, errors.New("partition manager cannot be nil")
	}

	source := cfg.Source
	if source == "" {
		source = "direct"
	}

	return &Service{
		logger:     cfg.Logger,
		db:         cfg.DB,
		enforcer:   cfg.Enforcer,
		partitions: cfg.Partitions,
		source:     source,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetMetrics attaches ingest metrics.
func (s *Service) SetMetrics(m *metrics.TelemetryMetrics) {
	s.metrics = m
}

// Ingest validates and persists one reading. The reading is routed to its
// monthly partition (created on first write into a new month), evaluated
// against the sensor location's thresholds, and followed by the sensor
// bookkeeping updates. A critical deviation additionally raises an alert,
// committed atomically with the reading.
func (s *Service) Ingest(ctx context.Context, input ReadingInput) (*store.Reading, error) {
	started := s.nowFn()

	reading, err := s.ingest(ctx, input)

	if s.metrics != nil {
		s.metrics.IngestDuration.WithLabelValues(s.source).Observe(s.nowFn().Sub(started).Seconds())
		switch {
		case err != nil:
			s.metrics.ReadingsIngested.WithLabelValues("rejected").Inc()
			s.metrics.IngestErrors.WithLabelValues(errorKind(err)).Inc()
		case reading.DeviationDetected:
			s.metrics.ReadingsIngested.WithLabelValues("deviation").Inc()
		default:
			s.metrics.ReadingsIngested.WithLabelValues("stored").Inc()
		}
	}
	return reading, err
}

func (s *Service) ingest(ctx context.Context, input ReadingInput) (*store.Reading, error) {
	if err := validateReading(input); err != nil {
		return nil, err
	}

	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	sensor, err := s.sensorByDeviceID(ctx, tc, input.DeviceID)
	if err != nil {
		return nil, err
	}

	if err := s.enforcer.Authorize(ctx, isolation.EntityReading, isolation.ActionCreate, sensor.OrganizationID); err != nil {
		return nil, err
	}

	partitionName, err := s.partitions.ResolveOrCreate(ctx, input.Timestamp)
	if err != nil {
		return nil, err
	}

	reading := &store.Reading{
		ID:               uuid.New(),
		OrganizationID:   sensor.OrganizationID,
		SensorID:         sensor.ID,
		Timestamp:        input.Timestamp.UTC(),
		Temperature:      input.Temperature,
		Humidity:         input.Humidity,
		Pressure:         input.Pressure,
		BatteryVoltage:   input.BatteryVoltage,
		RSSI:             input.RSSI,
		DataQualityScore: input.DataQualityScore,
		IsManualEntry:    input.IsManualEntry,
	}
	evaluateDeviation(reading, sensor.Location)

	// The alert and the reading commit together; a failed reading insert
	// must not leave an active alert behind for the retry to duplicate.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reading.ComplianceStatus == store.ComplianceCritical {
			alert, err := s.raiseAlert(tx, sensor, reading)
			if err != nil {
				return err
			}
			reading.AlertGenerated = true
			reading.AlertID = &alert.ID
		}
		if err := tx.Create(reading).Error; err != nil {
			return errs.Storage(fmt.Sprintf("insert reading for sensor %s", sensor.DeviceID), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.touchSensor(ctx, sensor, reading); err != nil {
		// The reading is committed; sensor bookkeeping is advisory.
		s.logger.Error("failed to update sensor after ingest", "device_id", sensor.DeviceID, "error", err)
	}

	s.logger.Debug("reading ingested",
		"device_id", sensor.DeviceID,
		"partition", partitionName,
		"compliance", reading.ComplianceStatus,
	)
	return reading, nil
}

// ResolveDeviation marks a deviated reading as under review and resolves its
// generated alert, if any. This is the only mutation permitted on a reading
// after insert.
func (s *Service) ResolveDeviation(ctx context.Context, readingID uuid.UUID, timestamp time.Time, notes string) error {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	var reading store.Reading
	err = s.enforcer.ScopeTo(tc, s.db.WithContext(ctx)).
		Where("id = ? AND timestamp = ?", readingID, timestamp.UTC()).
		First(&reading).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NotFound("reading", readingID.String())
		}
		return errs.Storage("load reading", err)
	}

	if err := s.enforcer.Authorize(ctx, isolation.EntityReading, isolation.ActionUpdate, reading.OrganizationID); err != nil {
		return err
	}
	if !reading.DeviationDetected {
		return errs.Validation("reading", "compliance_status", "reading %s has no deviation to resolve", readingID)
	}

	err = s.db.WithContext(ctx).Model(&store.Reading{}).
		Where("id = ? AND timestamp = ?", readingID, timestamp.UTC()).
		Update("compliance_status", store.ComplianceUnderReview).Error
	if err != nil {
		return errs.Storage("update reading compliance status", err)
	}

	if reading.AlertID != nil {
		now := s.nowFn()
		updates := map[string]any{
			"status":           store.AlertResolved,
			"resolved_at":      now,
			"resolution_notes": notes,
		}
		if tc.UserID != uuid.Nil {
			updates["resolved_by"] = tc.UserID
		}
		err = s.db.WithContext(ctx).Model(&store.Alert{}).
			Where("id = ?", *reading.AlertID).
			Updates(updates).Error
		if err != nil {
			return errs.Storage("resolve alert", err)
		}
	}

	s.logger.Info("deviation resolved", "reading", readingID, "user", tc.UserID)
	return nil
}

// RecordCalibration stores a calibration event and rolls the sensor's
// calibration bookkeeping forward.
func (s *Service) RecordCalibration(ctx context.Context, input CalibrationInput) (*store.Calibration, error) {
	if !input.NextDueAt.After(input.PerformedAt) {
		return nil, errs.Validation("calibration", "next_due_at", "must be after performed_at")
	}
	if input.AccuracyAchieved < 0 {
		return nil, errs.Validation("calibration", "accuracy_achieved", "must be >= 0, got %f", input.AccuracyAchieved)
	}

	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	sensor, err := s.sensorByDeviceID(ctx, tc, input.DeviceID)
	if err != nil {
		return nil, err
	}

	if err := s.enforcer.Authorize(ctx, isolation.EntityCalibration, isolation.ActionCreate, sensor.OrganizationID); err != nil {
		return nil, err
	}

	calibrationType := input.CalibrationType
	if calibrationType == "" {
		calibrationType = "routine"
	}

	cal := &store.Calibration{
		OrganizationID:       sensor.OrganizationID,
		SensorID:             sensor.ID,
		CalibrationType:      calibrationType,
		ReferenceTemperature: input.ReferenceTemperature,
		MeasuredTemperature:  input.MeasuredTemperature,
		ReferenceHumidity:    input.ReferenceHumidity,
		MeasuredHumidity:     input.MeasuredHumidity,
		AccuracyAchieved:     input.AccuracyAchieved,
		Passed:               input.Passed,
		Notes:                input.Notes,
		PerformedAt:          input.PerformedAt.UTC(),
		NextDueAt:            input.NextDueAt.UTC(),
	}
	if tc.UserID != uuid.Nil {
		cal.PerformedBy = &tc.UserID
	}

	if err := s.db.WithContext(ctx).Create(cal).Error; err != nil {
		return nil, errs.Storage(fmt.Sprintf("insert calibration for sensor %s", sensor.DeviceID), err)
	}

	updates := map[string]any{
		"last_calibration_at": cal.PerformedAt,
		"calibration_due_at":  cal.NextDueAt,
	}
	if !input.Passed {
		updates["status"] = store.SensorMaintenance
	}
	err = s.db.WithContext(ctx).Model(&store.Sensor{}).Where("id = ?", sensor.ID).Updates(updates).Error
	if err != nil {
		s.logger.Error("failed to update sensor after calibration", "device_id", sensor.DeviceID, "error", err)
	}

	s.logger.Info("calibration recorded",
		"device_id", sensor.DeviceID,
		"passed", input.Passed,
		"next_due", cal.NextDueAt,
	)
	return cal, nil
}

func (s *Service) sensorByDeviceID(ctx context.Context, tc tenant.Context, deviceID string) (*store.Sensor, error) {
	var sensor store.Sensor
	err := s.enforcer.ScopeTo(tc, s.db.WithContext(ctx)).
		Preload("Location").
		Where("device_id = ?", deviceID).
		First(&sensor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("sensor", deviceID)
		}
		return nil, errs.Storage(fmt.Sprintf("load sensor %s", deviceID), err)
	}
	return &sensor, nil
}

// touchSensor rolls the sensor's liveness and battery state forward after an
// accepted reading.
func (s *Service) touchSensor(ctx context.Context, sensor *store.Sensor, reading *store.Reading) error {
	now := s.nowFn()
	updates := map[string]any{
		"last_seen_at":    now,
		"last_reading_at": reading.Timestamp,
	}

	switch reading.ComplianceStatus {
	case store.ComplianceCritical:
		updates["status"] = store.SensorWarning
	default:
		if sensor.Status != store.SensorMaintenance {
			updates["status"] = store.SensorOnline
		}
	}

	if reading.BatteryVoltage != nil {
		updates["battery_level"] = batteryPercent(*reading.BatteryVoltage)
	}

	return s.db.WithContext(ctx).Model(&store.Sensor{}).Where("id = ?", sensor.ID).Updates(updates).Error
}

// raiseAlert creates the alert for a critical deviation inside the caller's
// transaction.
func (s *Service) raiseAlert(tx *gorm.DB, sensor *store.Sensor, reading *store.Reading) (*store.Alert, error) {
	alertType := "humidity_deviation"
	var threshold, current *float64
	if reading.TemperatureDeviation {
		alertType = "temperature_deviation"
		current = reading.Temperature
		if sensor.Location != nil {
			threshold = exceededBound(*reading.Temperature, sensor.Location.TemperatureMin, sensor.Location.TemperatureMax)
		}
	} else if reading.Humidity != nil {
		current = reading.Humidity
		if sensor.Location != nil {
			threshold = exceededBound(*reading.Humidity, sensor.Location.HumidityMin, sensor.Location.HumidityMax)
		}
	}

	alert := &store.Alert{
		OrganizationID:        sensor.OrganizationID,
		SensorID:              &sensor.ID,
		AlertType:             alertType,
		Severity:              "critical",
		Message:               fmt.Sprintf("sensor %s reported a critical %s at %s", sensor.DeviceID, alertType, reading.Timestamp.Format(time.RFC3339)),
		ThresholdValue:        threshold,
		CurrentValue:          current,
		Status:                store.AlertActive,
		HACCPComplianceImpact: true,
	}
	if err := tx.Create(alert).Error; err != nil {
		return nil, errs.Storage(fmt.Sprintf("create alert for sensor %s", sensor.DeviceID), err)
	}

	s.logger.Warn("critical deviation alert raised",
		"device_id", sensor.DeviceID,
		"alert_type", alertType,
	)
	return alert, nil
}

// validateReading rejects measurements outside physical plausibility. These
// are instrument failures, not compliance deviations.
func validateReading(input ReadingInput) error {
	if input.DeviceID == "" {
		return errs.Validation("reading", "device_id", "cannot be empty")
	}
	if input.Timestamp.IsZero() {
		return errs.Validation("reading", "timestamp", "cannot be zero")
	}
	if input.Temperature == nil && input.Humidity == nil && input.Pressure == nil {
		return errs.Validation("reading", "measurements", "at least one measurement is required")
	}
	if input.Temperature != nil && (*input.Temperature < tempMin || *input.Temperature > tempMax) {
		return errs.Validation("reading", "temperature", "%.2f outside [%.1f, %.1f]", *input.Temperature, tempMin, tempMax)
	}
	if input.Humidity != nil && (*input.Humidity < humidityMin || *input.Humidity > humidityMax) {
		return errs.Validation("reading", "humidity", "%.2f outside [%.1f, %.1f]", *input.Humidity, humidityMin, humidityMax)
	}
	if input.Pressure != nil && (*input.Pressure < pressureMin || *input.Pressure > pressureMax) {
		return errs.Validation("reading", "pressure", "%.2f outside [%.1f, %.1f]", *input.Pressure, pressureMin, pressureMax)
	}
	if input.BatteryVoltage != nil && (*input.BatteryVoltage < batteryMin || *input.BatteryVoltage > batteryMax) {
		return errs.Validation("reading", "battery_voltage", "%.3f outside [%.1f, %.1f]", *input.BatteryVoltage, batteryMin, batteryMax)
	}
	if input.DataQualityScore != nil && (*input.DataQualityScore < qualityMin || *input.DataQualityScore > qualityMax) {
		return errs.Validation("reading", "data_quality_score", "%.2f outside [%.1f, %.1f]", *input.DataQualityScore, qualityMin, qualityMax)
	}
	return nil
}

// evaluateDeviation fills the compliance fields from the location
// thresholds. A sensor without a location (or a location without bounds)
// never deviates; there is nothing to deviate from.
func evaluateDeviation(reading *store.Reading, loc *store.Location) {
	reading.ComplianceStatus = store.ComplianceCompliant
	if loc == nil {
		return
	}

	critical := false

	if reading.Temperature != nil {
		out, margin := outsideBounds(*reading.Temperature, loc.TemperatureMin, loc.TemperatureMax)
		if out {
			reading.TemperatureDeviation = true
			if margin > criticalTempMargin {
				critical = true
			}
		}
	}
	if reading.Humidity != nil {
		out, margin := outsideBounds(*reading.Humidity, loc.HumidityMin, loc.HumidityMax)
		if out {
			reading.HumidityDeviation = true
			if margin > criticalHumidityMargin {
				critical = true
			}
		}
	}

	reading.DeviationDetected = reading.TemperatureDeviation || reading.HumidityDeviation
	if reading.DeviationDetected {
		reading.ComplianceStatus = store.ComplianceDeviation
	}
	if critical {
		reading.ComplianceStatus = store.ComplianceCritical
	}
}

// outsideBounds reports whether v falls outside [min, max] and by how much.
// Nil bounds are open.
func outsideBounds(v float64, min, max *float64) (bool, float64) {
	if min != nil && v < *min {
		return true, *min - v
	}
	if max != nil && v > *max {
		return true, v - *max
	}
	return false, 0
}

// exceededBound returns the bound v violated, for alert context.
func exceededBound(v float64, min, max *float64) *float64 {
	if min != nil && v < *min {
		return min
	}
	if max != nil && v > *max {
		return max
	}
	return nil
}

// batteryPercent maps the reported voltage onto the 0..5V scale.
func batteryPercent(voltage float64) int {
	pct := int(math.Round(voltage / batteryMax * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func errorKind(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "unknown"
}
