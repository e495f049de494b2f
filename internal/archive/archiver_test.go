package archive

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

	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
)

func newMockDB() (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	Expect(err).NotTo(HaveOccurred())

	return db, mock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var _ = Describe("Archiver", func() {
	var (
		archiver *Archiver
		mock     sqlmock.Sqlmock
		ctx      context.Context
	)

	// Pinned so months_ago arithmetic is deterministic.
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	BeforeEach(func() {
		var db *gorm.DB
		db, mock = newMockDB()

		var err error
		archiver, err = NewArchiver(db, discardLogger())
		Expect(err).NotTo(HaveOccurred())
		archiver.nowFn = func() time.Time { return now }

		ctx = tenant.WithContext(context.Background(), tenant.System())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("ArchivePartition", func() {
		It("should reject calls without a tenant context", func() {
			_, err := archiver.ArchivePartition(context.Background(), 24, false, true)
			Expect(errs.IsKind(err, errs.KindAuthorization)).To(BeTrue())
		})

		It("should reject non-admin callers", func() {
			viewerCtx := tenant.WithContext(context.Background(), tenant.Context{
				TenantID: tenant.System().TenantID,
				Role:     tenant.RoleViewer,
			})
			_, err := archiver.ArchivePartition(viewerCtx, 24, false, true)
			Expect(errs.IsPermission(err)).To(BeTrue())
		})

		It("should refuse to archive the current month", func() {
			_, err := archiver.ArchivePartition(ctx, 0, false, true)
			Expect(errs.IsValidation(err)).To(BeTrue())
		})

		It("should report SKIPPED for an absent partition", func() {
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.tables`)).
				WithArgs("readings_2023_06").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			result, err := archiver.ArchivePartition(ctx, 24, false, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusSkipped))
			Expect(result.PartitionName).To(Equal("readings_2023_06"))
			Expect(result.RowsArchived).To(BeZero())
		})

		It("should report SKIPPED for an empty partition without touching it", func() {
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.tables`)).
				WithArgs("readings_2024_06").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM readings_2024_06`)).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			result, err := archiver.ArchivePartition(ctx, 12, false, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusSkipped))
			Expect(result.Message).To(ContainSubstring("empty"))
		})
	})

	Describe("BulkArchive", func() {
		It("should validate the partition cap", func() {
			_, err := archiver.BulkArchive(ctx, 36, 24, 0)
			Expect(errs.IsValidation(err)).To(BeTrue())
		})

		It("should refuse ranges that include the current month", func() {
			_, err := archiver.BulkArchive(ctx, 3, 0, 5)
			Expect(errs.IsValidation(err)).To(BeTrue())
		})

		It("should walk the range oldest-first and not charge skips against the cap", func() {
			// 2025-03 then 2025-04, both absent.
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.tables`)).
				WithArgs("readings_2025_03").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.tables`)).
				WithArgs("readings_2025_04").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			bulk, err := archiver.BulkArchive(ctx, 3, 2, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(bulk.Attempted).To(Equal(2))
			Expect(bulk.Skipped).To(Equal(2))
			Expect(bulk.Succeeded).To(BeZero())
			Expect(bulk.Failed).To(BeZero())
		})

		It("should accept the range bounds in either order", func() {
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.tables`)).
				WithArgs("readings_2025_03").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.tables`)).
				WithArgs("readings_2025_04").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			bulk, err := archiver.BulkArchive(ctx, 2, 3, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(bulk.Attempted).To(Equal(2))
		})
	})

	Describe("CleanupExpired", func() {
		It("should validate the retention threshold", func() {
			_, err := archiver.CleanupExpired(ctx, 0)
			Expect(errs.IsValidation(err)).To(BeTrue())
		})

		It("should reject non-admin callers", func() {
			operatorCtx := tenant.WithContext(context.Background(), tenant.Ingestor(tenant.System().TenantID))
			_, err := archiver.CleanupExpired(operatorCtx, 3)
			Expect(errs.IsPermission(err)).To(BeTrue())
		})
	})
})
