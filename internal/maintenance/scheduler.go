// Package maintenance drives the recurring background jobs: archival,
// retention cleanup, partition pre-creation, statistics refresh, and index
// maintenance. Each job has a schedule class and one bookkeeping row; a
// failed run waits for its next scheduled slot, it is never retried early.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/pkg/errs"
	"coldwatch.dev/telemetry/pkg/metrics"
)

// ScheduleClass is one of the fixed job cadences.
type ScheduleClass string

const (
	ScheduleDaily   ScheduleClass = "daily"
	ScheduleWeekly  ScheduleClass = "weekly"
	ScheduleMonthly ScheduleClass = "monthly"
)

// ParseSchedule validates a schedule string against the fixed classes.
func ParseSchedule(s string) (ScheduleClass, error) {
	switch ScheduleClass(s) {
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
		return ScheduleClass(s), nil
	default:
		return "", errs.Validation("maintenance_job", "schedule", "unknown schedule class %q", s)
	}
}

// Run outcome statuses recorded on the job row.
const (
	RunSuccess = "success"
	RunWarning = "warning"
	RunError   = "error"
)

// Outcome is the result of one job execution.
type Outcome struct {
	Status   string
	Message  string
	Duration time.Duration
}

// NextRun computes the next scheduled run strictly after the given instant.
// Daily and weekly cadences add their interval; monthly snaps to the first
// of the following month so every instance fires at a month boundary
// regardless of when the previous run finished.
func NextRun(class ScheduleClass, after time.Time) time.Time {
	u := after.UTC()
	switch class {
	case ScheduleDaily:
		return u.Add(24 * time.Hour)
	case ScheduleWeekly:
		return u.Add(7 * 24 * time.Hour)
	default:
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}

// Scheduler reads and updates the maintenance job bookkeeping.
type Scheduler struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.TelemetryMetrics
	nowFn   func() time.Time
}

// NewScheduler creates a scheduler over the maintenance job table.
func NewScheduler(db *gorm.DB, logger *slog.Logger) (*Scheduler, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Scheduler{db: db, logger: logger, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// SetMetrics attaches maintenance metrics.
func (s *Scheduler) SetMetrics(m *metrics.TelemetryMetrics) {
	s.metrics = m
}

// DueJobs returns the enabled jobs whose next run is due at now. Jobs that
// have never run (no next_run_at yet) are always due.
func (s *Scheduler) DueJobs(ctx context.Context, now time.Time) ([]store.MaintenanceJob, error) {
	var jobs []store.MaintenanceJob
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND (next_run_at IS NULL OR next_run_at <= ?)", true, now.UTC()).
		Order("job_name").
		Find(&jobs).Error
	if err != nil {
		return nil, errs.Storage("list due maintenance jobs", err)
	}
	return jobs, nil
}

// RecordRun stores the outcome of a job execution and schedules the next
// instance from the completion time.
func (s *Scheduler) RecordRun(ctx context.Context, job *store.MaintenanceJob, outcome Outcome) error {
	class, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}

	now := s.nowFn()
	next := NextRun(class, now)
	seconds := outcome.Duration.Seconds()

	err = s.db.WithContext(ctx).Model(&store.MaintenanceJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"last_run_at":               now,
			"last_run_status":           outcome.Status,
			"last_run_duration_seconds": seconds,
			"last_run_message":          outcome.Message,
			"next_run_at":               next,
		}).Error
	if err != nil {
		return errs.Storage(fmt.Sprintf("record run for job %s", job.JobName), err)
	}

	if s.metrics != nil {
		s.metrics.MaintenanceRuns.WithLabelValues(job.JobName, outcome.Status).Inc()
		s.metrics.MaintenanceDuration.WithLabelValues(job.JobName).Observe(seconds)
	}

	s.logger.Info("maintenance run recorded",
		"job", job.JobName,
		"status", outcome.Status,
		"duration", outcome.Duration,
		"next_run", next,
	)
	return nil
}
