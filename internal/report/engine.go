// Package report computes HACCP compliance reports and operational
// statistics. Reports are pure aggregations over already-stored facts; the
// reading queries carry a timestamp predicate so the storage engine only
// touches partitions overlapping the requested interval.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
)

// Compliance bands.
const (
	BandCompliant    = "compliant"
	BandWarning      = "warning"
	BandNonCompliant = "non_compliant"
)

// Fixed thresholds for the compliance bands.
const (
	compliantPercent      = 95.0
	warningPercent        = 90.0
	calibrationRatioLimit = 0.10
)

// Report is one HACCP compliance report over an interval.
type Report struct {
	TenantID             uuid.UUID
	PeriodStart          time.Time
	PeriodEnd            time.Time
	TotalReadings        int64
	DeviationCount       int64
	CompliancePercentage float64
	ComplianceStatus     string
	CriticalAlerts       int64
	TotalSensors         int64
	OverdueCalibrations  int64
	CalibrationStatus    string
	AuditTrailStatus     string
	GeneratedAt          time.Time
}

// TenantStats is the operational snapshot for one tenant.
type TenantStats struct {
	TenantID            uuid.UUID
	Name                string
	Sensors             int64
	ActiveSensors       int64
	TotalReadings       int64
	ReadingsLast24h     int64
	ActiveAlerts        int64
	OverdueCalibrations int64
}

// statsTTL bounds how stale a stats snapshot may be.
const statsTTL = 30 * time.Second

// Engine computes reports and stats.
type Engine struct {
	db       *gorm.DB
	enforcer *isolation.Enforcer
	logger   *slog.Logger
	cache    *cache.Cache
	nowFn    func() time.Time
}

// NewEngine creates a reporting engine.
func NewEngine(db *gorm.DB, enforcer *isolation.Enforcer, logger *slog.Logger) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if enforcer == nil {
		return nil, fmt.Errorf("enforcer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Engine{
		db:       db,
		enforcer: enforcer,
		logger:   logger,
		cache:    cache.New(statsTTL, 2*statsTTL),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// GenerateReport computes the compliance report for tenantID over
// [start, end). Non-admin callers may only report on their own tenant.
func (e *Engine) GenerateReport(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*Report, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !e.enforcer.CanAccess(tc, tenantID) {
		return nil, errs.Permission("report", "tenant %s cannot report on tenant %s", tc.TenantID, tenantID)
	}
	if !end.After(start) {
		return nil, errs.Validation("report", "period", "end must be after start")
	}

	start, end = start.UTC(), end.UTC()

	var org store.Organization
	if err := e.db.WithContext(ctx).First(&org, "id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("organization", tenantID.String())
		}
		return nil, errs.Storage("load organization", err)
	}

	report := &Report{
		TenantID:    tenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		GeneratedAt: e.nowFn(),
		// Append-only audit entries and the archive ledger make the trail
		// complete by construction.
		AuditTrailStatus: "complete - all changes tracked",
	}

	// The timestamp predicate confines the scan to partitions overlapping
	// [start, end); archived months outside the window are never touched.
	readings := e.db.WithContext(ctx).Model(&store.Reading{}).
		Where("organization_id = ? AND timestamp >= ? AND timestamp < ?", tenantID, start, end)

	if err := readings.Session(&gorm.Session{}).Count(&report.TotalReadings).Error; err != nil {
		return nil, errs.Storage("count readings", err)
	}
	if err := readings.Session(&gorm.Session{}).Where("deviation_detected = ?", true).Count(&report.DeviationCount).Error; err != nil {
		return nil, errs.Storage("count deviations", err)
	}

	report.CompliancePercentage = compliancePercent(report.TotalReadings, report.DeviationCount)
	report.ComplianceStatus = complianceBand(report.CompliancePercentage)

	err = e.db.WithContext(ctx).Model(&store.Alert{}).
		Where("organization_id = ? AND severity = ? AND haccp_compliance_impact = ? AND created_at >= ? AND created_at < ?",
			tenantID, "critical", true, start, end).
		Count(&report.CriticalAlerts).Error
	if err != nil {
		return nil, errs.Storage("count critical alerts", err)
	}

	err = e.db.WithContext(ctx).Model(&store.Sensor{}).
		Where("organization_id = ?", tenantID).
		Count(&report.TotalSensors).Error
	if err != nil {
		return nil, errs.Storage("count sensors", err)
	}
	err = e.db.WithContext(ctx).Model(&store.Sensor{}).
		Where("organization_id = ? AND calibration_due_at IS NOT NULL AND calibration_due_at < ?", tenantID, e.nowFn()).
		Count(&report.OverdueCalibrations).Error
	if err != nil {
		return nil, errs.Storage("count overdue calibrations", err)
	}
	report.CalibrationStatus = calibrationBand(report.TotalSensors, report.OverdueCalibrations)

	e.auditReport(ctx, tc, report)

	e.logger.Info("compliance report generated",
		"tenant", tenantID,
		"total_readings", report.TotalReadings,
		"compliance", report.CompliancePercentage,
		"status", report.ComplianceStatus,
	)
	return report, nil
}

// GetStats returns the operational snapshot for one tenant, or for every
// tenant when tenantID is nil (admin only). Snapshots are cached briefly;
// the dashboard polls far more often than the numbers move.
func (e *Engine) GetStats(ctx context.Context, tenantID *uuid.UUID) ([]TenantStats, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if tenantID == nil {
		if tc.Role != tenant.RoleAdmin {
			return nil, errs.Permission("stats", "role %s cannot read stats across tenants", tc.Role)
		}
	} else if !e.enforcer.CanAccess(tc, *tenantID) {
		return nil, errs.Permission("stats", "tenant %s cannot read stats of tenant %s", tc.TenantID, *tenantID)
	}

	key := "stats:all"
	if tenantID != nil {
		key = "stats:" + tenantID.String()
	}
	if cached, ok := e.cache.Get(key); ok {
		return cloneStats(cached.([]TenantStats)), nil
	}

	var orgs []store.Organization
	q := e.db.WithContext(ctx).Order("name")
	if tenantID != nil {
		q = q.Where("id = ?", *tenantID)
	}
	if err := q.Find(&orgs).Error; err != nil {
		return nil, errs.Storage("list organizations", err)
	}
	if tenantID != nil && len(orgs) == 0 {
		return nil, errs.NotFound("organization", tenantID.String())
	}

	now := e.nowFn()
	stats := make([]TenantStats, 0, len(orgs))
	for _, org := range orgs {
		s, err := e.statsFor(ctx, org, now)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	e.cache.Set(key, stats, cache.DefaultExpiration)
	return cloneStats(stats), nil
}

// cloneStats copies a snapshot before handing it out. The cached slice is
// shared across callers and must never be mutated through a result.
func cloneStats(stats []TenantStats) []TenantStats {
	out := make([]TenantStats, len(stats))
	copy(out, stats)
	return out
}

func (e *Engine) statsFor(ctx context.Context, org store.Organization, now time.Time) (TenantStats, error) {
	s := TenantStats{TenantID: org.ID, Name: org.Name}

	type query struct {
		dest  *int64
		model any
		cond  string
		args  []any
	}
	queries := []query{
		{&s.Sensors, &store.Sensor{}, "organization_id = ?", []any{org.ID}},
		{&s.ActiveSensors, &store.Sensor{}, "organization_id = ? AND status = ?", []any{org.ID, store.SensorOnline}},
		{&s.TotalReadings, &store.Reading{}, "organization_id = ?", []any{org.ID}},
		{&s.ReadingsLast24h, &store.Reading{}, "organization_id = ? AND timestamp >= ?", []any{org.ID, now.Add(-24 * time.Hour)}},
		{&s.ActiveAlerts, &store.Alert{}, "organization_id = ? AND status = ?", []any{org.ID, store.AlertActive}},
		{&s.OverdueCalibrations, &store.Sensor{}, "organization_id = ? AND calibration_due_at IS NOT NULL AND calibration_due_at < ?", []any{org.ID, now}},
	}
	for _, q := range queries {
		if err := e.db.WithContext(ctx).Model(q.model).Where(q.cond, q.args...).Count(q.dest).Error; err != nil {
			return s, errs.Storage(fmt.Sprintf("stats for organization %s", org.ID), err)
		}
	}
	return s, nil
}

// auditReport records that a compliance report was produced. Best effort.
func (e *Engine) auditReport(ctx context.Context, tc tenant.Context, report *Report) {
	payload, err := json.Marshal(map[string]any{
		"period_start":   report.PeriodStart,
		"period_end":     report.PeriodEnd,
		"total_readings": report.TotalReadings,
		"compliance":     report.CompliancePercentage,
	})
	if err != nil {
		return
	}

	entry := store.AuditEntry{
		OrganizationID: &report.TenantID,
		Action:         "compliance_report_generated",
		ResourceType:   "report",
		NewValues:      payload,
		HACCPRelevant:  true,
	}
	if tc.UserID != uuid.Nil {
		entry.UserID = &tc.UserID
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		e.logger.Error("failed to write report audit entry", "tenant", report.TenantID, "error", err)
	}
}

// compliancePercent returns (total-deviations)/total as a percentage. An
// empty interval is vacuously fully compliant.
func compliancePercent(total, deviations int64) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(total-deviations) * 100.0 / float64(total)
}

// complianceBand maps a percentage onto the fixed bands.
func complianceBand(percent float64) string {
	switch {
	case percent >= compliantPercent:
		return BandCompliant
	case percent >= warningPercent:
		return BandWarning
	default:
		return BandNonCompliant
	}
}

// calibrationBand: any overdue sensors degrade the band, more than 10%
// overdue is non-compliant.
func calibrationBand(totalSensors, overdue int64) string {
	if totalSensors == 0 || overdue == 0 {
		return BandCompliant
	}
	if float64(overdue)/float64(totalSensors) > calibrationRatioLimit {
		return BandNonCompliant
	}
	return BandWarning
}
