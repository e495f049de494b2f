package maintenance

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/pkg/errs"
)

var _ = Describe("NextRun", func() {
	It("should add one day for daily jobs", func() {
		after := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
		Expect(NextRun(ScheduleDaily, after)).To(Equal(after.Add(24 * time.Hour)))
	})

	It("should add one week for weekly jobs", func() {
		after := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
		Expect(NextRun(ScheduleWeekly, after)).To(Equal(after.Add(7 * 24 * time.Hour)))
	})

	It("should snap monthly jobs to the next month boundary", func() {
		after := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
		Expect(NextRun(ScheduleMonthly, after)).To(Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("should keep monthly runs on the boundary even after a late finish", func() {
		// A run that finishes on the 31st still schedules the first of the
		// next month, not 31 days later.
		after := time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)
		Expect(NextRun(ScheduleMonthly, after)).To(Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("should roll monthly jobs across year boundaries", func() {
		after := time.Date(2024, 12, 15, 8, 0, 0, 0, time.UTC)
		Expect(NextRun(ScheduleMonthly, after)).To(Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("should normalize non-UTC completion times", func() {
		loc := time.FixedZone("CET", 3600)
		after := time.Date(2025, 3, 1, 0, 30, 0, 0, loc) // still February in UTC
		Expect(NextRun(ScheduleMonthly, after)).To(Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("should be deterministic", func() {
		after := time.Date(2025, 5, 20, 3, 0, 0, 0, time.UTC)
		Expect(NextRun(ScheduleMonthly, after)).To(Equal(NextRun(ScheduleMonthly, after)))
	})
})

var _ = Describe("ParseSchedule", func() {
	It("should accept the fixed classes", func() {
		for _, s := range []string{"daily", "weekly", "monthly"} {
			class, err := ParseSchedule(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(class)).To(Equal(s))
		}
	})

	It("should reject anything else", func() {
		_, err := ParseSchedule("hourly")
		Expect(errs.IsValidation(err)).To(BeTrue())

		_, err = ParseSchedule("")
		Expect(errs.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Scheduler", func() {
	var (
		scheduler *Scheduler
		mock      sqlmock.Sqlmock
	)

	BeforeEach(func() {
		sqlDB, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m

		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())

		scheduler, err = NewScheduler(db, slog.New(slog.NewJSONHandler(io.Discard, nil)))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("DueJobs", func() {
		It("should select enabled jobs that are due or have never run", func() {
			now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "maintenance_jobs" WHERE enabled = $1 AND (next_run_at IS NULL OR next_run_at <= $2)`)).
				WithArgs(true, now).
				WillReturnRows(sqlmock.NewRows([]string{"job_name", "job_type", "schedule"}).
					AddRow("archive_old_readings", "archive", "monthly"))

			jobs, err := scheduler.DueJobs(context.Background(), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].JobType).To(Equal("archive"))
		})
	})
})
