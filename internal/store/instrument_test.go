package store

import (
	"errors"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/pkg/metrics"
)

// Registered once; the metrics registry is process-global.
var testMetrics = metrics.NewTelemetryMetrics("storetest")

var _ = Describe("Instrument", func() {
	var (
		db   *gorm.DB
		mock sqlmock.Sqlmock
	)

	BeforeEach(func() {
		sqlDB, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m

		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())
		Expect(Instrument(db, testMetrics)).To(Succeed())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should require metrics", func() {
		Expect(Instrument(db, nil)).To(HaveOccurred())
	})

	It("should count queries per table", func() {
		counter := testMetrics.DBOperationsTotal.WithLabelValues("query", "organizations", "success")
		before := testutil.ToFloat64(counter)

		mock.ExpectQuery(`SELECT \* FROM "organizations"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
		var orgs []Organization
		Expect(db.Find(&orgs).Error).To(Succeed())

		Expect(testutil.ToFloat64(counter) - before).To(BeNumerically("==", 1))
	})

	It("should count failed operations as errors", func() {
		counter := testMetrics.DBOperationsTotal.WithLabelValues("create", "organizations", "error")
		before := testutil.ToFloat64(counter)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO "organizations"`).
			WillReturnError(errors.New("connection reset by peer"))
		mock.ExpectRollback()

		org := Organization{Name: "Frostline Foods", Slug: "frostline-foods"}
		Expect(db.Create(&org).Error).To(HaveOccurred())

		Expect(testutil.ToFloat64(counter) - before).To(BeNumerically("==", 1))
	})
})
