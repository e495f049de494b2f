package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/archive"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
	"coldwatch.dev/telemetry/pkg/metrics"
)

// RunnerConfig tunes the background job runner.
type RunnerConfig struct {
	// PollInterval is how often the runner checks for due jobs.
	PollInterval time.Duration
	// RetentionMonths is the global floor: partitions at least this old are
	// archived. Per-tenant retention below this value has no effect because
	// partitions are shared across tenants.
	RetentionMonths int
	// MaxPartitionsPerRun caps how many partitions one archive run may move.
	MaxPartitionsPerRun int
	// CleanupYears is the threshold for irrecoverable retention cleanup.
	CleanupYears int
	// PartitionHorizonMonths is how far ahead partitions are pre-created.
	PartitionHorizonMonths int
	// StatsRecentMonths is how many recent partitions statistics refresh and
	// reindex touch per run. Chunking keeps each run short and resumable.
	StatsRecentMonths int
}

// DefaultRunnerConfig returns the default runner tuning.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:           time.Hour,
		RetentionMonths:        24,
		MaxPartitionsPerRun:    3,
		CleanupYears:           3,
		PartitionHorizonMonths: 3,
		StatsRecentMonths:      3,
	}
}

// Runner executes due maintenance jobs against the archiver and partition
// manager and records their outcomes.
type Runner struct {
	cfg        RunnerConfig
	scheduler  *Scheduler
	archiver   *archive.Archiver
	partitions *partition.Manager
	db         *gorm.DB
	logger     *slog.Logger
	metrics    *metrics.TelemetryMetrics
	nowFn      func() time.Time
}

// NewRunner creates a maintenance runner.
func NewRunner(cfg RunnerConfig, scheduler *Scheduler, archiver *archive.Archiver, partitions *partition.Manager, db *gorm.DB, logger *slog.Logger) (*Runner, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if archiver == nil {
		return nil, fmt.Errorf("archiver cannot be nil")
	}
	if partitions == nil {
		return nil, fmt.Errorf("partition manager cannot be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	return &Runner{
		cfg:        cfg,
		scheduler:  scheduler,
		archiver:   archiver,
		partitions: partitions,
		db:         db,
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetMetrics attaches maintenance metrics.
func (r *Runner) SetMetrics(m *metrics.TelemetryMetrics) {
	r.metrics = m
}

// Run polls for due jobs until ctx is cancelled. One immediate pass runs at
// startup so a long poll interval does not delay overdue work.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("maintenance runner started", "poll_interval", r.cfg.PollInterval)

	r.RunDue(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("maintenance runner stopping")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}

// RunDue executes every currently due job once, sequentially. Job failures
// are recorded on the job row and never abort the pass.
func (r *Runner) RunDue(ctx context.Context) {
	now := r.nowFn()
	jobs, err := r.scheduler.DueJobs(ctx, now)
	if err != nil {
		r.logger.Error("failed to list due maintenance jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	// Maintenance operates across tenants.
	sysCtx := tenant.WithContext(ctx, tenant.System())

	for i := range jobs {
		job := &jobs[i]
		started := r.nowFn()
		outcome := r.execute(sysCtx, job.JobType)
		outcome.Duration = r.nowFn().Sub(started)

		if err := r.scheduler.RecordRun(ctx, job, outcome); err != nil {
			r.logger.Error("failed to record maintenance run", "job", job.JobName, "error", err)
		}
	}
}

// execute dispatches one job by type.
func (r *Runner) execute(ctx context.Context, jobType string) Outcome {
	switch jobType {
	case "archive":
		return r.runArchive(ctx)
	case "cleanup":
		return r.runCleanup(ctx)
	case "partition":
		return r.runEnsurePartitions(ctx)
	case "stats_update":
		return r.runStatsRefresh(ctx)
	case "vacuum":
		return r.runVacuum(ctx)
	case "reindex":
		return r.runReindex(ctx)
	default:
		return Outcome{Status: RunError, Message: fmt.Sprintf("unknown job type %q", jobType)}
	}
}

// runArchive moves the oldest live partitions beyond the retention floor
// into cold storage, capped per run.
func (r *Runner) runArchive(ctx context.Context) Outcome {
	keys, err := r.partitions.LiveKeys(ctx)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}
	if len(keys) == 0 {
		return Outcome{Status: RunSuccess, Message: "no live partitions"}
	}

	current := partition.KeyFor(r.nowFn())
	oldestMonthsAgo := partition.MonthsBetween(keys[0], current)
	if oldestMonthsAgo < r.cfg.RetentionMonths {
		return Outcome{Status: RunSuccess, Message: "no partitions beyond retention"}
	}

	bulk, err := r.archiver.BulkArchive(ctx, oldestMonthsAgo, r.cfg.RetentionMonths, r.cfg.MaxPartitionsPerRun)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}

	msg := fmt.Sprintf("archived %d partitions (%d rows), %d failed, %d skipped",
		bulk.Succeeded, bulk.RowsArchived, bulk.Failed, bulk.Skipped)
	if bulk.Failed > 0 {
		return Outcome{Status: RunWarning, Message: msg}
	}
	return Outcome{Status: RunSuccess, Message: msg}
}

func (r *Runner) runCleanup(ctx context.Context) Outcome {
	results, err := r.archiver.CleanupExpired(ctx, r.cfg.CleanupYears)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}

	var rows int64
	var dropped int
	for _, res := range results {
		rows += res.RowsDeleted
		if res.Dropped {
			dropped++
		}
	}
	return Outcome{Status: RunSuccess, Message: fmt.Sprintf("deleted %d rows, dropped %d archive tables", rows, dropped)}
}

func (r *Runner) runEnsurePartitions(ctx context.Context) Outcome {
	names, err := r.partitions.EnsureFuture(ctx, r.cfg.PartitionHorizonMonths)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}

	if r.metrics != nil {
		if keys, err := r.partitions.LiveKeys(ctx); err == nil {
			r.metrics.PartitionsLive.Set(float64(len(keys)))
		}
	}
	return Outcome{Status: RunSuccess, Message: "ensured " + strings.Join(names, ", ")}
}

// runStatsRefresh re-analyzes the hot relations and the most recent
// partitions so the planner keeps up with ingest volume.
func (r *Runner) runStatsRefresh(ctx context.Context) Outcome {
	targets := []string{"sensors", "alerts", "audit_entries", "archive_records"}

	recent, err := r.recentPartitions(ctx)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}
	targets = append(targets, recent...)

	for _, name := range targets {
		if err := r.db.WithContext(ctx).Exec("ANALYZE " + name).Error; err != nil {
			return Outcome{Status: RunError, Message: errs.Storage(fmt.Sprintf("analyze %s", name), err).Error()}
		}
	}
	return Outcome{Status: RunSuccess, Message: fmt.Sprintf("analyzed %d relations", len(targets))}
}

// runVacuum reclaims dead tuples on the most recent partitions, where
// deviation resolution updates rows in place, and refreshes their statistics
// in the same pass.
func (r *Runner) runVacuum(ctx context.Context) Outcome {
	recent, err := r.recentPartitions(ctx)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}
	if len(recent) == 0 {
		return Outcome{Status: RunSuccess, Message: "no partitions to vacuum"}
	}

	for _, name := range recent {
		if err := r.db.WithContext(ctx).Exec("VACUUM ANALYZE " + name).Error; err != nil {
			return Outcome{Status: RunError, Message: errs.Storage(fmt.Sprintf("vacuum %s", name), err).Error()}
		}
	}
	return Outcome{Status: RunSuccess, Message: fmt.Sprintf("vacuumed %d partitions", len(recent))}
}

// runReindex rebuilds indexes on the most recent partitions only, one
// partition per statement, so a run stays short and interruptible.
func (r *Runner) runReindex(ctx context.Context) Outcome {
	recent, err := r.recentPartitions(ctx)
	if err != nil {
		return Outcome{Status: RunError, Message: err.Error()}
	}
	if len(recent) == 0 {
		return Outcome{Status: RunSuccess, Message: "no partitions to reindex"}
	}

	for _, name := range recent {
		if err := r.db.WithContext(ctx).Exec("REINDEX TABLE " + name).Error; err != nil {
			return Outcome{Status: RunError, Message: errs.Storage(fmt.Sprintf("reindex %s", name), err).Error()}
		}
	}
	return Outcome{Status: RunSuccess, Message: fmt.Sprintf("reindexed %d partitions", len(recent))}
}

// recentPartitions returns the names of the newest live partitions, capped
// at StatsRecentMonths. Names come from the catalog and are validated before
// interpolation.
func (r *Runner) recentPartitions(ctx context.Context) ([]string, error) {
	keys, err := r.partitions.LiveKeys(ctx)
	if err != nil {
		return nil, err
	}

	limit := r.cfg.StatsRecentMonths
	if limit <= 0 {
		limit = DefaultRunnerConfig().StatsRecentMonths
	}
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		name := key.Name()
		if err := partition.ValidateTableName(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}
