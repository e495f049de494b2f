// Package archive moves aged readings partitions into cold-storage tables
// and enforces the retention policy. Every archival is recorded in the
// archive ledger before any data moves, and the live partition is only
// detached after the copy has been verified.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
	"coldwatch.dev/telemetry/pkg/metrics"
)

// Outcome of a single partition archival.
const (
	StatusSuccess = "SUCCESS"
	StatusSkipped = "SKIPPED"
	StatusError   = "ERROR"
)

// Result describes one archive_partition run.
type Result struct {
	PartitionName string
	ArchiveTable  string
	RowsArchived  int64
	Status        string
	Message       string
}

// BulkResult aggregates a bounded multi-month archival run.
type BulkResult struct {
	Attempted    int
	Succeeded    int
	Failed       int
	Skipped      int
	RowsArchived int64
	Elapsed      time.Duration
}

// CleanupResult reports what one cleanup target lost.
type CleanupResult struct {
	Target      string
	RowsDeleted int64
	Dropped     bool
}

// Archiver performs verified partition archival and retention cleanup.
// Operations are idempotent: re-running an archival for an already-archived
// month reports SKIPPED, and the copy step tolerates rows that landed in the
// archive table during an earlier interrupted run.
type Archiver struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.TelemetryMetrics
	nowFn   func() time.Time
}

// NewArchiver creates an archiver.
func NewArchiver(db *gorm.DB, logger *slog.Logger) (*Archiver, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Archiver{db: db, logger: logger, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// SetMetrics attaches archive metrics.
func (a *Archiver) SetMetrics(m *metrics.TelemetryMetrics) {
	a.metrics = m
}

// ArchivePartition archives the partition covering the month monthsAgo before
// the current one. An absent or empty partition is a SKIPPED outcome, not an
// error. With verify set, a row-count mismatch between source and archive
// aborts before the live partition is touched and marks the ledger row
// failed. compress records the compression intent in the ledger notes; the
// storage engine applies it out of band.
func (a *Archiver) ArchivePartition(ctx context.Context, monthsAgo int, compress, verify bool) (Result, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return Result{}, err
	}
	if tc.Role != tenant.RoleAdmin {
		return Result{}, errs.Permission("partition", "role %s cannot archive partitions", tc.Role)
	}
	if monthsAgo < 1 {
		return Result{}, errs.Validation("partition", "months_ago", "must be >= 1, got %d (current month cannot be archived)", monthsAgo)
	}

	key := partition.KeyMonthsAgo(a.nowFn(), monthsAgo)
	res, err := a.archiveKey(ctx, tc, key, compress, verify)
	a.count(res.Status)
	return res, err
}

func (a *Archiver) archiveKey(ctx context.Context, tc tenant.Context, key partition.Key, compress, verify bool) (Result, error) {
	source := key.Name()
	dest := key.ArchiveName()
	result := Result{PartitionName: source, ArchiveTable: dest}

	if err := partition.ValidateTableName(source); err != nil {
		return result, err
	}
	if err := partition.ValidateTableName(dest); err != nil {
		return result, err
	}

	exists, err := a.tableExists(ctx, source)
	if err != nil {
		return result, err
	}
	if !exists {
		result.Status = StatusSkipped
		result.Message = fmt.Sprintf("partition %s does not exist", source)
		a.logger.Info("archive skipped", "partition", source, "reason", "absent")
		return result, nil
	}

	sourceCount, err := a.countRows(ctx, source)
	if err != nil {
		return result, err
	}
	if sourceCount == 0 {
		result.Status = StatusSkipped
		result.Message = fmt.Sprintf("partition %s is empty", source)
		a.logger.Info("archive skipped", "partition", source, "reason", "empty")
		return result, nil
	}

	record := store.ArchiveRecord{
		ArchiveType:    "monthly_readings",
		SourceTable:    source,
		ArchiveTable:   dest,
		DateRangeStart: key.Start(),
		DateRangeEnd:   key.End(),
		RowCount:       0,
		Status:         store.ArchivePending,
	}
	if tc.UserID != uuid.Nil {
		record.ArchivedBy = &tc.UserID
	}
	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		return result, errs.Storage(fmt.Sprintf("create archive ledger row for %s", source), err)
	}

	if err := a.setLedgerStatus(ctx, record.ID, store.ArchiveInProgress, 0, ""); err != nil {
		return result, err
	}

	if err := a.copyRows(ctx, source, dest); err != nil {
		a.failLedger(ctx, record.ID, err.Error())
		result.Status = StatusError
		result.Message = err.Error()
		return result, err
	}

	if verify {
		destCount, err := a.countRows(ctx, dest)
		if err != nil {
			a.failLedger(ctx, record.ID, err.Error())
			result.Status = StatusError
			result.Message = err.Error()
			return result, err
		}
		if destCount != sourceCount {
			err := errs.IntegrityCheck("archive %s row count %d does not match source %s row count %d", dest, destCount, source, sourceCount)
			a.failLedger(ctx, record.ID, err.Error())
			result.Status = StatusError
			result.Message = err.Error()
			a.logger.Error("archive verification failed, live partition preserved",
				"partition", source, "source_rows", sourceCount, "archive_rows", destCount)
			return result, err
		}
	}

	if err := a.detachAndDrop(ctx, source); err != nil {
		a.failLedger(ctx, record.ID, err.Error())
		result.Status = StatusError
		result.Message = err.Error()
		return result, err
	}

	notes := "verify=" + boolWord(verify)
	if compress {
		notes += ", compression requested"
	}
	if err := a.setLedgerStatus(ctx, record.ID, store.ArchiveCompleted, sourceCount, notes); err != nil {
		// The data is safely archived; a ledger bookkeeping failure must not
		// look like a lost partition.
		a.logger.Error("archive completed but ledger update failed", "partition", source, "error", err)
	}

	a.writeAudit(ctx, tc, "partition_archived", record.ID, map[string]any{
		"source_table":  source,
		"archive_table": dest,
		"row_count":     sourceCount,
		"verified":      verify,
	})

	if a.metrics != nil {
		a.metrics.ArchivedRows.Add(float64(sourceCount))
	}

	result.Status = StatusSuccess
	result.RowsArchived = sourceCount
	result.Message = fmt.Sprintf("archived %d rows from %s to %s", sourceCount, source, dest)
	a.logger.Info("partition archived", "partition", source, "archive", dest, "rows", sourceCount)
	return result, nil
}

// BulkArchive archives months oldest-first between startMonthsAgo and
// endMonthsAgo. At most maxPartitions partitions are actually moved per
// invocation; skipped months do not consume the cap. A failed month is
// counted and the run continues with the next one.
func (a *Archiver) BulkArchive(ctx context.Context, startMonthsAgo, endMonthsAgo, maxPartitions int) (BulkResult, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	if tc.Role != tenant.RoleAdmin {
		return BulkResult{}, errs.Permission("partition", "role %s cannot archive partitions", tc.Role)
	}
	if maxPartitions < 1 {
		return BulkResult{}, errs.Validation("partition", "max_partitions", "must be >= 1, got %d", maxPartitions)
	}

	oldest, newest := startMonthsAgo, endMonthsAgo
	if oldest < newest {
		oldest, newest = newest, oldest
	}
	if newest < 1 {
		return BulkResult{}, errs.Validation("partition", "end_months_ago", "must be >= 1, got %d", newest)
	}

	started := a.nowFn()
	var bulk BulkResult
	for monthsAgo := oldest; monthsAgo >= newest; monthsAgo-- {
		if bulk.Succeeded+bulk.Failed >= maxPartitions {
			break
		}
		bulk.Attempted++

		key := partition.KeyMonthsAgo(started, monthsAgo)
		res, err := a.archiveKey(ctx, tc, key, false, true)
		a.count(res.Status)
		switch res.Status {
		case StatusSuccess:
			bulk.Succeeded++
			bulk.RowsArchived += res.RowsArchived
		case StatusSkipped:
			bulk.Skipped++
		default:
			bulk.Failed++
			a.logger.Error("bulk archive month failed", "partition", key.Name(), "error", err)
		}
	}

	bulk.Elapsed = a.nowFn().Sub(started)
	a.logger.Info("bulk archive finished",
		"attempted", bulk.Attempted,
		"succeeded", bulk.Succeeded,
		"failed", bulk.Failed,
		"skipped", bulk.Skipped,
		"rows", bulk.RowsArchived,
		"elapsed", bulk.Elapsed,
	)
	return bulk, nil
}

// CleanupExpired permanently deletes audit entries and archive-ledger rows
// older than yearsAgo, and drops archive tables whose month precedes the
// threshold. This is the only irrecoverable deletion in the system; every
// target is logged with its row count. Malformed archive table names are
// skipped, never fatal.
func (a *Archiver) CleanupExpired(ctx context.Context, yearsAgo int) ([]CleanupResult, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if tc.Role != tenant.RoleAdmin {
		return nil, errs.Permission("archive", "role %s cannot run retention cleanup", tc.Role)
	}
	if yearsAgo < 1 {
		return nil, errs.Validation("archive", "years_ago", "must be >= 1, got %d", yearsAgo)
	}

	cutoff := a.nowFn().AddDate(-yearsAgo, 0, 0)
	var results []CleanupResult

	auditDel := a.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&store.AuditEntry{})
	if auditDel.Error != nil {
		return results, errs.Storage("cleanup audit entries", auditDel.Error)
	}
	results = append(results, CleanupResult{Target: "audit_entries", RowsDeleted: auditDel.RowsAffected})
	a.logger.Info("cleanup deleted expired audit entries", "rows", auditDel.RowsAffected, "cutoff", cutoff)

	ledgerDel := a.db.WithContext(ctx).Where("archived_at < ?", cutoff).Delete(&store.ArchiveRecord{})
	if ledgerDel.Error != nil {
		return results, errs.Storage("cleanup archive ledger", ledgerDel.Error)
	}
	results = append(results, CleanupResult{Target: "archive_records", RowsDeleted: ledgerDel.RowsAffected})
	a.logger.Info("cleanup deleted expired archive ledger rows", "rows", ledgerDel.RowsAffected, "cutoff", cutoff)

	tables, err := a.archiveTables(ctx)
	if err != nil {
		return results, err
	}
	for _, name := range tables {
		key, ok := partition.ParseTableName(name)
		if !ok || !partition.IsArchiveTable(name) {
			a.logger.Warn("cleanup skipping unexpected archive table name", "table", name)
			continue
		}
		if key.End().After(cutoff) {
			continue
		}

		rows, err := a.countRows(ctx, name)
		if err != nil {
			return results, err
		}
		if err := a.db.WithContext(ctx).Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)).Error; err != nil {
			return results, errs.Storage(fmt.Sprintf("drop archive table %s", name), err)
		}
		results = append(results, CleanupResult{Target: name, RowsDeleted: rows, Dropped: true})
		a.logger.Info("cleanup dropped expired archive table", "table", name, "rows", rows)
	}

	a.writeAudit(ctx, tc, "retention_cleanup", uuid.Nil, map[string]any{
		"cutoff":  cutoff,
		"targets": len(results),
	})
	return results, nil
}

// copyRows creates the archive table if absent and copies every source row
// into it. Rows already present from an interrupted earlier run are left in
// place rather than duplicated.
func (a *Archiver) copyRows(ctx context.Context, source, dest string) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (LIKE readings INCLUDING ALL)`, dest)
	if err := a.db.WithContext(ctx).Exec(create).Error; err != nil {
		return errs.Storage(fmt.Sprintf("create archive table %s", dest), err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s ON CONFLICT (id, timestamp) DO NOTHING`, dest, source)
	if err := a.db.WithContext(ctx).Exec(insert).Error; err != nil {
		return errs.Storage(fmt.Sprintf("copy rows from %s to %s", source, dest), err)
	}
	return nil
}

// detachAndDrop removes the live partition in a single transaction so a
// crash cannot leave a detached-but-undropped orphan.
func (a *Archiver) detachAndDrop(ctx context.Context, source string) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf(`ALTER TABLE readings DETACH PARTITION %s`, source)).Error; err != nil {
			return err
		}
		return tx.Exec(fmt.Sprintf(`DROP TABLE %s`, source)).Error
	})
	if err != nil {
		return errs.Storage(fmt.Sprintf("detach and drop partition %s", source), err)
	}
	return nil
}

func (a *Archiver) tableExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := a.db.WithContext(ctx).
		Raw(`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?`, name).
		Scan(&count).Error
	if err != nil {
		return false, errs.Storage(fmt.Sprintf("table lookup for %s", name), err)
	}
	return count > 0, nil
}

func (a *Archiver) countRows(ctx context.Context, name string) (int64, error) {
	if err := partition.ValidateTableName(name); err != nil {
		return 0, err
	}
	var count int64
	err := a.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT count(*) FROM %s`, name)).Scan(&count).Error
	if err != nil {
		return 0, errs.Storage(fmt.Sprintf("row count for %s", name), err)
	}
	return count, nil
}

func (a *Archiver) archiveTables(ctx context.Context) ([]string, error) {
	var names []string
	err := a.db.WithContext(ctx).
		Raw(`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE 'readings\_archive\_%' ORDER BY tablename`).
		Scan(&names).Error
	if err != nil {
		return nil, errs.Storage("archive table listing", err)
	}
	return names, nil
}

func (a *Archiver) setLedgerStatus(ctx context.Context, id uuid.UUID, status string, rowCount int64, notes string) error {
	updates := map[string]any{"status": status}
	if rowCount > 0 {
		updates["row_count"] = rowCount
	}
	if notes != "" {
		updates["notes"] = notes
	}
	err := a.db.WithContext(ctx).Model(&store.ArchiveRecord{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return errs.Storage(fmt.Sprintf("update archive ledger row %s", id), err)
	}
	return nil
}

// failLedger marks a ledger row failed. Best effort: the caller is already
// propagating the primary error.
func (a *Archiver) failLedger(ctx context.Context, id uuid.UUID, reason string) {
	err := a.db.WithContext(ctx).Model(&store.ArchiveRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": store.ArchiveFailed, "notes": reason}).Error
	if err != nil {
		a.logger.Error("failed to mark archive ledger row failed", "record", id, "error", err)
	}
}

// writeAudit appends an audit entry for an archival or cleanup event.
// Best effort: the underlying operation has already committed.
func (a *Archiver) writeAudit(ctx context.Context, tc tenant.Context, action string, resourceID uuid.UUID, details map[string]any) {
	payload, err := json.Marshal(details)
	if err != nil {
		a.logger.Error("failed to encode audit payload", "action", action, "error", err)
		return
	}

	entry := store.AuditEntry{
		Action:        action,
		ResourceType:  "partition",
		NewValues:     payload,
		HACCPRelevant: true,
	}
	if resourceID != uuid.Nil {
		entry.ResourceID = &resourceID
	}
	if tc.UserID != uuid.Nil {
		entry.UserID = &tc.UserID
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		a.logger.Error("failed to write audit entry", "action", action, "error", err)
	}
}

func (a *Archiver) count(status string) {
	if a.metrics == nil || status == "" {
		return
	}
	switch status {
	case StatusSuccess:
		a.metrics.ArchiveRuns.WithLabelValues("success").Inc()
	case StatusSkipped:
		a.metrics.ArchiveRuns.WithLabelValues("skipped").Inc()
	default:
		a.metrics.ArchiveRuns.WithLabelValues("failed").Inc()
	}
}

func boolWord(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
