package report

import (
	"context"
	"io"
	"log/slog"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/tenant"
)

var _ = ginkgo.Describe("compliancePercent", func() {
	ginkgo.It("should compute the compliant share", func() {
		Expect(compliancePercent(100, 5)).To(BeNumerically("==", 95.0))
		Expect(compliancePercent(200, 30)).To(BeNumerically("==", 85.0))
	})

	ginkgo.It("should be vacuously 100% for an empty interval", func() {
		Expect(compliancePercent(0, 0)).To(BeNumerically("==", 100.0))
	})

	ginkgo.It("should be 0% when everything deviated", func() {
		Expect(compliancePercent(50, 50)).To(BeNumerically("==", 0.0))
	})
})

var _ = ginkgo.Describe("complianceBand", func() {
	ginkgo.It("should band at the fixed thresholds", func() {
		Expect(complianceBand(100)).To(Equal(BandCompliant))
		Expect(complianceBand(95)).To(Equal(BandCompliant))
		Expect(complianceBand(94.99)).To(Equal(BandWarning))
		Expect(complianceBand(90)).To(Equal(BandWarning))
		Expect(complianceBand(89.99)).To(Equal(BandNonCompliant))
		Expect(complianceBand(0)).To(Equal(BandNonCompliant))
	})
})

var _ = ginkgo.Describe("GetStats", func() {
	var (
		engine *Engine
		mock   sqlmock.Sqlmock
		ctx    context.Context
		orgID  uuid.UUID
	)

	ginkgo.BeforeEach(func() {
		sqlDB, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m

		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())

		engine, err = NewEngine(db, isolation.NewEnforcer(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
		Expect(err).NotTo(HaveOccurred())

		orgID = uuid.New()
		ctx = tenant.WithContext(context.Background(), tenant.Context{TenantID: orgID, Role: tenant.RoleAdmin})
	})

	ginkgo.AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	ginkgo.It("should not let callers mutate the cached snapshot", func() {
		mock.ExpectQuery(`SELECT \* FROM "organizations"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(orgID.String(), "frostline"))
		for range 6 {
			mock.ExpectQuery(`SELECT count\(\*\) FROM`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
		}

		first, err := engine.GetStats(ctx, &orgID)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(HaveLen(1))
		Expect(first[0].Sensors).To(Equal(int64(7)))

		first[0].Sensors = 9999
		first[0].Name = "tampered"

		// The second call is served from the cache and must be untouched.
		second, err := engine.GetStats(ctx, &orgID)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(HaveLen(1))
		Expect(second[0].Sensors).To(Equal(int64(7)))
		Expect(second[0].Name).To(Equal("frostline"))
	})
})

var _ = ginkgo.Describe("calibrationBand", func() {
	ginkgo.It("should be compliant with no overdue calibrations", func() {
		Expect(calibrationBand(10, 0)).To(Equal(BandCompliant))
	})

	ginkgo.It("should be compliant with no sensors at all", func() {
		Expect(calibrationBand(0, 0)).To(Equal(BandCompliant))
	})

	ginkgo.It("should warn when at most 10% are overdue", func() {
		Expect(calibrationBand(10, 1)).To(Equal(BandWarning))
		Expect(calibrationBand(100, 10)).To(Equal(BandWarning))
	})

	ginkgo.It("should be non-compliant above 10%", func() {
		Expect(calibrationBand(100, 11)).To(Equal(BandNonCompliant))
		Expect(calibrationBand(5, 3)).To(Equal(BandNonCompliant))
	})
})
