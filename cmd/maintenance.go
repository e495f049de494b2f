package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/archive"
	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run maintenance operations on demand",
	Long: `Run a maintenance operation outside the scheduler:
- archive: move one aged partition to cold storage
- bulk-archive: archive a month range, capped per invocation
- cleanup: permanently delete data past the retention horizon
- ensure-partitions: pre-create future partitions
- jobs: show the scheduled job table`,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive the partition N months in the past",
	RunE:  runArchive,
}

var bulkArchiveCmd = &cobra.Command{
	Use:   "bulk-archive",
	Short: "Archive a range of months, oldest first",
	RunE:  runBulkArchive,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Permanently delete audit entries, ledger rows, and archive tables past the threshold",
	RunE:  runCleanup,
}

var ensurePartitionsCmd = &cobra.Command{
	Use:   "ensure-partitions",
	Short: "Pre-create partitions for the coming months",
	RunE:  runEnsurePartitions,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show the maintenance job table",
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(maintenanceCmd)
	maintenanceCmd.AddCommand(archiveCmd, bulkArchiveCmd, cleanupCmd, ensurePartitionsCmd, jobsCmd)

	// Each subcommand gets its own viper namespace: binding several
	// commands' flags to one key would leave only the last bind effective.
	addDBFlags(archiveCmd, "maintenance.archive")
	addDBFlags(bulkArchiveCmd, "maintenance.bulk_archive")
	addDBFlags(cleanupCmd, "maintenance.cleanup")
	addDBFlags(ensurePartitionsCmd, "maintenance.ensure_partitions")
	addDBFlags(jobsCmd, "maintenance.jobs")

	archiveCmd.Flags().Int("months-ago", 24, "Archive the partition this many months in the past")
	archiveCmd.Flags().Bool("compress", false, "Record compression intent for the archive table")
	archiveCmd.Flags().Bool("verify", true, "Verify row counts before dropping the live partition")

	bulkArchiveCmd.Flags().Int("start-months-ago", 36, "Oldest month of the range")
	bulkArchiveCmd.Flags().Int("end-months-ago", 24, "Newest month of the range")
	bulkArchiveCmd.Flags().Int("max-partitions", 3, "Maximum partitions to archive in this invocation")

	cleanupCmd.Flags().Int("years-ago", 3, "Delete data older than this many years")

	ensurePartitionsCmd.Flags().Int("horizon", 3, "Months of partitions to pre-create ahead")
}

// maintenanceEnv opens the database and builds the archival stack with a
// system tenant context.
func maintenanceEnv(logger *slog.Logger, ns string) (context.Context, *gorm.DB, *archive.Archiver, *partition.Manager, error) {
	db, err := store.NewDB(dbConfig(ns, logger))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	enforcer := isolation.NewEnforcer()
	partitions, err := partition.NewManager(db, logger, enforcer)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	archiver, err := archive.NewArchiver(db, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ctx := tenant.WithContext(context.Background(), tenant.System())
	return ctx, db, archiver, partitions, nil
}

func runArchive(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	monthsAgo, _ := cmd.Flags().GetInt("months-ago")
	compress, _ := cmd.Flags().GetBool("compress")
	verify, _ := cmd.Flags().GetBool("verify")

	ctx, db, archiver, _, err := maintenanceEnv(logger, "maintenance.archive")
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	result, err := archiver.ArchivePartition(ctx, monthsAgo, compress, verify)
	if err != nil {
		logger.Error("archive failed", "partition", result.PartitionName, "error", err)
		return err
	}

	fmt.Printf("%s: %s\n", result.Status, result.Message)
	return nil
}

func runBulkArchive(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	start, _ := cmd.Flags().GetInt("start-months-ago")
	end, _ := cmd.Flags().GetInt("end-months-ago")
	maxPartitions, _ := cmd.Flags().GetInt("max-partitions")

	ctx, db, archiver, _, err := maintenanceEnv(logger, "maintenance.bulk_archive")
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	bulk, err := archiver.BulkArchive(ctx, start, end, maxPartitions)
	if err != nil {
		logger.Error("bulk archive failed", "error", err)
		return err
	}

	fmt.Printf("attempted=%d succeeded=%d failed=%d skipped=%d rows=%d elapsed=%s\n",
		bulk.Attempted, bulk.Succeeded, bulk.Failed, bulk.Skipped, bulk.RowsArchived, bulk.Elapsed)
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	yearsAgo, _ := cmd.Flags().GetInt("years-ago")

	ctx, db, archiver, _, err := maintenanceEnv(logger, "maintenance.cleanup")
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	results, err := archiver.CleanupExpired(ctx, yearsAgo)
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		return err
	}

	for _, res := range results {
		if res.Dropped {
			fmt.Printf("dropped %s (%d rows)\n", res.Target, res.RowsDeleted)
		} else {
			fmt.Printf("deleted %d rows from %s\n", res.RowsDeleted, res.Target)
		}
	}
	return nil
}

func runEnsurePartitions(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	horizon, _ := cmd.Flags().GetInt("horizon")

	ctx, db, _, partitions, err := maintenanceEnv(logger, "maintenance.ensure_partitions")
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	names, err := partitions.EnsureFuture(ctx, horizon)
	if err != nil {
		logger.Error("partition pre-creation failed", "error", err)
		return err
	}

	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runJobs(_ *cobra.Command, _ []string) error {
	logger := GetLogger()

	db, err := store.NewDB(dbConfig("maintenance.jobs", logger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	var jobs []store.MaintenanceJob
	if err := db.Order("job_name").Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to list maintenance jobs: %w", err)
	}

	for _, job := range jobs {
		status := "-"
		if job.LastRunStatus != nil {
			status = *job.LastRunStatus
		}
		next := "-"
		if job.NextRunAt != nil {
			next = job.NextRunAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-28s %-12s %-8s enabled=%-5t last=%-8s next=%s\n",
			job.JobName, job.JobType, job.Schedule, job.Enabled, status, next)
	}
	return nil
}
