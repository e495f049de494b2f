package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/archive"
	"coldwatch.dev/telemetry/internal/maintenance"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/pkg/errs"
)

var _ = Describe("Partition lifecycle", func() {
	It("creates the monthly partition on first write into a new month", func() {
		ts := time.Now().UTC().AddDate(0, -40, 0)
		expected := partition.KeyFor(ts).Name()

		name, err := partitions.ResolveOrCreate(context.Background(), ts)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal(expected))
		Expect(tableExists(expected)).To(BeTrue())
		Expect(enforcer.IsScopedRelation(expected)).To(BeTrue())
	})

	It("admits concurrent first writers into a single new partition", func() {
		ts := time.Now().UTC().AddDate(0, -41, 0)
		expected := partition.KeyFor(ts).Name()

		const writers = 8
		var wg sync.WaitGroup
		names := make([]string, writers)
		failures := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				names[i], failures[i] = partitions.ResolveOrCreate(context.Background(), ts)
			}(i)
		}
		wg.Wait()

		for i := range writers {
			Expect(failures[i]).NotTo(HaveOccurred())
			Expect(names[i]).To(Equal(expected))
		}
		Expect(tableExists(expected)).To(BeTrue())
	})

	It("pre-creates the horizon idempotently", func() {
		first, err := partitions.EnsureFuture(context.Background(), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(HaveLen(4))

		second, err := partitions.EnsureFuture(context.Background(), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))

		for _, name := range first {
			Expect(tableExists(name)).To(BeTrue())
		}
	})

	It("lists live months oldest first", func() {
		keys, err := partitions.LiveKeys(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).NotTo(BeEmpty())
		for i := 1; i < len(keys); i++ {
			Expect(keys[i-1].Start().Before(keys[i].Start())).To(BeTrue())
		}
	})
})

var _ = Describe("Partition archival", func() {
	Context("a month past retention", Ordered, func() {
		var (
			org    store.Organization
			sensor store.Sensor
			key    partition.Key
		)

		BeforeAll(func() {
			org, _, sensor = createOrg("frostline-foods")
			key = partition.KeyMonthsAgo(time.Now().UTC(), 25)
			ingestReading(org.ID, sensor.DeviceID, key.Start().Add(12*time.Hour), 4.0)
		})

		It("is visible in reports while the partition is live", func() {
			rep, err := engine.GenerateReport(systemCtx(), org.ID, key.Start(), key.End())
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.TotalReadings).To(Equal(int64(1)))
		})

		It("moves the partition into cold storage with a completed ledger row", func() {
			res, err := archiver.ArchivePartition(systemCtx(), 25, false, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(archive.StatusSuccess))
			Expect(res.RowsArchived).To(Equal(int64(1)))
			Expect(res.PartitionName).To(Equal(key.Name()))
			Expect(res.ArchiveTable).To(Equal(key.ArchiveName()))

			Expect(tableExists(key.Name())).To(BeFalse())
			Expect(tableExists(key.ArchiveName())).To(BeTrue())
			Expect(rowsIn(key.ArchiveName())).To(Equal(int64(1)))

			var record store.ArchiveRecord
			Expect(db.Where("source_table = ?", key.Name()).
				Order("archived_at DESC").First(&record).Error).To(Succeed())
			Expect(record.Status).To(Equal(store.ArchiveCompleted))
			Expect(record.RowCount).To(Equal(int64(1)))

			var audits int64
			Expect(db.Model(&store.AuditEntry{}).
				Where("action = ? AND haccp_relevant = ?", "partition_archived", true).
				Count(&audits).Error).To(Succeed())
			Expect(audits).To(BeNumerically(">=", 1))
		})

		It("reports SKIPPED when run again for the same month", func() {
			res, err := archiver.ArchivePartition(systemCtx(), 25, false, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(archive.StatusSkipped))
			Expect(tableExists(key.ArchiveName())).To(BeTrue())
		})

		It("excludes the archived month from subsequent reports", func() {
			rep, err := engine.GenerateReport(systemCtx(), org.ID, key.Start(), key.End())
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.TotalReadings).To(Equal(int64(0)))
			Expect(rep.CompliancePercentage).To(Equal(100.0))
		})
	})

	Context("verification", func() {
		It("preserves the live partition when the archive row count mismatches", func() {
			org, _, sensor := createOrg("polarpack-logistics")
			key := partition.KeyMonthsAgo(time.Now().UTC(), 30)
			ingestReading(org.ID, sensor.DeviceID, key.Start().Add(6*time.Hour), 3.5)

			// A leftover row from an interrupted earlier run that the source
			// no longer contains.
			Expect(db.Exec(`CREATE TABLE IF NOT EXISTS ` + key.ArchiveName() + ` (LIKE readings INCLUDING ALL)`).Error).To(Succeed())
			Expect(db.Exec(
				`INSERT INTO `+key.ArchiveName()+` (id, organization_id, sensor_id, timestamp) VALUES (?, ?, ?, ?)`,
				uuid.New(), org.ID, sensor.ID, key.Start().Add(time.Hour),
			).Error).To(Succeed())

			res, err := archiver.ArchivePartition(systemCtx(), 30, false, true)
			Expect(err).To(HaveOccurred())
			Expect(errs.IsKind(err, errs.KindIntegrityCheck)).To(BeTrue())
			Expect(res.Status).To(Equal(archive.StatusError))

			Expect(tableExists(key.Name())).To(BeTrue())
			Expect(rowsIn(key.Name())).To(Equal(int64(1)))

			var record store.ArchiveRecord
			Expect(db.Where("source_table = ?", key.Name()).
				Order("archived_at DESC").First(&record).Error).To(Succeed())
			Expect(record.Status).To(Equal(store.ArchiveFailed))
			Expect(record.Notes).To(ContainSubstring("row count"))
		})
	})

	Context("empty and absent months", func() {
		It("skips an empty partition without touching it", func() {
			key := partition.KeyMonthsAgo(time.Now().UTC(), 36)
			_, err := partitions.ResolveOrCreate(context.Background(), key.Start().Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())

			res, err := archiver.ArchivePartition(systemCtx(), 36, false, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(archive.StatusSkipped))
			Expect(res.Message).To(ContainSubstring("empty"))
			Expect(tableExists(key.Name())).To(BeTrue())
		})
	})

	Context("bulk archival", func() {
		It("walks oldest first and stops at the partition cap without counting skips", func() {
			org, _, sensor := createOrg("glacier-provisions")
			older := partition.KeyMonthsAgo(time.Now().UTC(), 33)
			newer := partition.KeyMonthsAgo(time.Now().UTC(), 32)
			ingestReading(org.ID, sensor.DeviceID, older.Start().Add(time.Hour), 2.0)
			ingestReading(org.ID, sensor.DeviceID, newer.Start().Add(time.Hour), 2.0)

			bulk, err := archiver.BulkArchive(systemCtx(), 34, 31, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(bulk.Skipped).To(Equal(1))
			Expect(bulk.Succeeded).To(Equal(1))
			Expect(bulk.Failed).To(Equal(0))
			Expect(bulk.RowsArchived).To(Equal(int64(1)))

			// The 33-months-ago partition moved; the cap stopped the run
			// before the newer one.
			Expect(tableExists(older.Name())).To(BeFalse())
			Expect(tableExists(older.ArchiveName())).To(BeTrue())
			Expect(tableExists(newer.Name())).To(BeTrue())
		})
	})
})

var _ = Describe("Retention cleanup", func() {
	It("deletes expired history and drops expired archive tables, skipping malformed names", func() {
		old := time.Now().UTC().AddDate(-5, 0, 0)

		audit := store.AuditEntry{
			Action:       "legacy_event",
			ResourceType: "partition",
			CreatedAt:    old,
		}
		Expect(db.Create(&audit).Error).To(Succeed())

		ledger := store.ArchiveRecord{
			ArchiveType:    "monthly_readings",
			SourceTable:    "readings_2019_05",
			ArchiveTable:   "readings_archive_2019_05",
			DateRangeStart: time.Date(2019, 5, 1, 0, 0, 0, 0, time.UTC),
			DateRangeEnd:   time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
			Status:         store.ArchiveCompleted,
			ArchivedAt:     old,
		}
		Expect(db.Create(&ledger).Error).To(Succeed())

		Expect(db.Exec(`CREATE TABLE IF NOT EXISTS readings_archive_2019_05 (LIKE readings INCLUDING ALL)`).Error).To(Succeed())
		Expect(db.Exec(`CREATE TABLE IF NOT EXISTS readings_archive_legacy (LIKE readings INCLUDING ALL)`).Error).To(Succeed())

		results, err := archiver.CleanupExpired(systemCtx(), 4)
		Expect(err).NotTo(HaveOccurred())

		Expect(tableExists("readings_archive_2019_05")).To(BeFalse())
		Expect(tableExists("readings_archive_legacy")).To(BeTrue())

		var dropped bool
		for _, r := range results {
			if r.Target == "readings_archive_2019_05" {
				dropped = r.Dropped
			}
		}
		Expect(dropped).To(BeTrue())

		err = db.Where("id = ?", audit.ID).First(&store.AuditEntry{}).Error
		Expect(errors.Is(err, gorm.ErrRecordNotFound)).To(BeTrue())
		err = db.Where("id = ?", ledger.ID).First(&store.ArchiveRecord{}).Error
		Expect(errors.Is(err, gorm.ErrRecordNotFound)).To(BeTrue())
	})
})

var _ = Describe("Maintenance scheduling", func() {
	It("seeds the default job schedule at migration", func() {
		var jobs []store.MaintenanceJob
		Expect(db.Find(&jobs).Error).To(Succeed())
		Expect(jobNames(jobs)).To(ContainElements(
			"archive_old_readings",
			"cleanup_expired_data",
			"ensure_future_partitions",
			"refresh_table_statistics",
			"vacuum_readings_partitions",
			"reindex_critical_indexes",
		))
	})

	It("round-trips a job through due listing and run bookkeeping", func() {
		job := store.MaintenanceJob{
			JobName:  "archive-monthly-" + uuid.NewString()[:8],
			JobType:  "archive",
			Schedule: string(maintenance.ScheduleDaily),
			Enabled:  true,
		}
		Expect(db.Create(&job).Error).To(Succeed())

		now := time.Now().UTC()
		due, err := scheduler.DueJobs(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(jobNames(due)).To(ContainElement(job.JobName))

		outcome := maintenance.Outcome{
			Status:   maintenance.RunSuccess,
			Message:  "archived 1 partition",
			Duration: 1500 * time.Millisecond,
		}
		Expect(scheduler.RecordRun(context.Background(), &job, outcome)).To(Succeed())

		var updated store.MaintenanceJob
		Expect(db.Where("id = ?", job.ID).First(&updated).Error).To(Succeed())
		Expect(updated.LastRunStatus).NotTo(BeNil())
		Expect(*updated.LastRunStatus).To(Equal(maintenance.RunSuccess))
		Expect(updated.NextRunAt).NotTo(BeNil())
		Expect(updated.NextRunAt.Sub(now)).To(BeNumerically("~", 24*time.Hour, time.Minute))

		due, err = scheduler.DueJobs(context.Background(), time.Now().UTC())
		Expect(err).NotTo(HaveOccurred())
		Expect(jobNames(due)).NotTo(ContainElement(job.JobName))
	})
})

func jobNames(jobs []store.MaintenanceJob) []string {
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.JobName)
	}
	return names
}
