package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
)

func f(v float64) *float64 { return &v }

var _ = Describe("validateReading", func() {
	valid := func() ReadingInput {
		return ReadingInput{
			DeviceID:    "dev-1",
			Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Temperature: f(4.5),
			Humidity:    f(55),
		}
	}

	It("should accept a plausible reading", func() {
		Expect(validateReading(valid())).To(Succeed())
	})

	It("should require a device id", func() {
		input := valid()
		input.DeviceID = ""
		Expect(errs.IsValidation(validateReading(input))).To(BeTrue())
	})

	It("should require a timestamp", func() {
		input := valid()
		input.Timestamp = time.Time{}
		Expect(errs.IsValidation(validateReading(input))).To(BeTrue())
	})

	It("should require at least one measurement", func() {
		input := valid()
		input.Temperature = nil
		input.Humidity = nil
		Expect(errs.IsValidation(validateReading(input))).To(BeTrue())
	})

	It("should reject physically implausible values", func() {
		cases := []ReadingInput{
			{DeviceID: "d", Timestamp: time.Now(), Temperature: f(-100)},
			{DeviceID: "d", Timestamp: time.Now(), Temperature: f(150)},
			{DeviceID: "d", Timestamp: time.Now(), Humidity: f(-1)},
			{DeviceID: "d", Timestamp: time.Now(), Humidity: f(101)},
			{DeviceID: "d", Timestamp: time.Now(), Pressure: f(2500)},
			{DeviceID: "d", Timestamp: time.Now(), Temperature: f(4), BatteryVoltage: f(9)},
			{DeviceID: "d", Timestamp: time.Now(), Temperature: f(4), DataQualityScore: f(1.5)},
		}
		for _, input := range cases {
			Expect(errs.IsValidation(validateReading(input))).To(BeTrue())
		}
	})

	It("should allow boundary values", func() {
		input := valid()
		input.Temperature = f(-80)
		input.Humidity = f(100)
		Expect(validateReading(input)).To(Succeed())
	})
})

var _ = Describe("evaluateDeviation", func() {
	coldStorage := &store.Location{
		TemperatureMin: f(0),
		TemperatureMax: f(6),
		HumidityMin:    f(30),
		HumidityMax:    f(70),
	}

	It("should mark in-range readings compliant", func() {
		reading := &store.Reading{Temperature: f(4), Humidity: f(50)}
		evaluateDeviation(reading, coldStorage)
		Expect(reading.DeviationDetected).To(BeFalse())
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceCompliant))
	})

	It("should never deviate without a location", func() {
		reading := &store.Reading{Temperature: f(80)}
		evaluateDeviation(reading, nil)
		Expect(reading.DeviationDetected).To(BeFalse())
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceCompliant))
	})

	It("should flag a temperature just over the bound as a deviation", func() {
		reading := &store.Reading{Temperature: f(8)}
		evaluateDeviation(reading, coldStorage)
		Expect(reading.TemperatureDeviation).To(BeTrue())
		Expect(reading.DeviationDetected).To(BeTrue())
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceDeviation))
	})

	It("should escalate a large temperature excursion to critical", func() {
		reading := &store.Reading{Temperature: f(15)}
		evaluateDeviation(reading, coldStorage)
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceCritical))
	})

	It("should flag low-side excursions too", func() {
		reading := &store.Reading{Temperature: f(-10)}
		evaluateDeviation(reading, coldStorage)
		Expect(reading.TemperatureDeviation).To(BeTrue())
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceCritical))
	})

	It("should evaluate humidity independently of temperature", func() {
		reading := &store.Reading{Temperature: f(4), Humidity: f(75)}
		evaluateDeviation(reading, coldStorage)
		Expect(reading.TemperatureDeviation).To(BeFalse())
		Expect(reading.HumidityDeviation).To(BeTrue())
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceDeviation))
	})

	It("should escalate a large humidity excursion to critical", func() {
		reading := &store.Reading{Humidity: f(85)}
		evaluateDeviation(reading, coldStorage)
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceCritical))
	})

	It("should treat nil bounds as open", func() {
		openLoc := &store.Location{TemperatureMax: f(6)}
		reading := &store.Reading{Temperature: f(-40)}
		evaluateDeviation(reading, openLoc)
		Expect(reading.DeviationDetected).To(BeFalse())
	})
})

var _ = Describe("Ingest", func() {
	var (
		service *Service
		mock    sqlmock.Sqlmock
		ctx     context.Context
		orgID   uuid.UUID
	)

	BeforeEach(func() {
		sqlDB, sqlMock, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = sqlMock

		gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())

		logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))
		enforcer := isolation.NewEnforcer()
		partitions, err := partition.NewManager(gdb, logger, enforcer)
		Expect(err).NotTo(HaveOccurred())

		service, err = NewService(&ServiceConfig{
			Logger:     logger,
			DB:         gdb,
			Enforcer:   enforcer,
			Partitions: partitions,
		})
		Expect(err).NotTo(HaveOccurred())

		orgID = uuid.New()
		ctx = tenant.WithContext(context.Background(), tenant.Ingestor(orgID))
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	// One sensor in a 0..6 degree cold-storage location, with the covering
	// partition already attached.
	expectSensorLookup := func() {
		sensorID, locID := uuid.New(), uuid.New()
		mock.ExpectQuery(`SELECT \* FROM "sensors"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "location_id", "device_id", "status"}).
				AddRow(sensorID.String(), orgID.String(), locID.String(), "dev-1", "online"))
		mock.ExpectQuery(`SELECT \* FROM "locations"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "temperature_min", "temperature_max"}).
				AddRow(locID.String(), orgID.String(), 0.0, 6.0))
		mock.ExpectQuery(`SELECT count\(\*\) FROM information_schema.tables`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	}

	criticalInput := func() ReadingInput {
		return ReadingInput{
			DeviceID:    "dev-1",
			Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Temperature: f(15),
		}
	}

	It("should roll the alert back when the reading insert fails", func() {
		expectSensorLookup()

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO "alerts"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectQuery(`INSERT INTO "readings"`).
			WillReturnError(errors.New("deadlock detected"))
		mock.ExpectRollback()

		_, err := service.Ingest(ctx, criticalInput())
		Expect(errs.IsKind(err, errs.KindStorage)).To(BeTrue())
		Expect(errs.IsRetryable(err)).To(BeTrue())
	})

	It("should commit the alert and the reading together", func() {
		expectSensorLookup()

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO "alerts"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectQuery(`INSERT INTO "readings"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "sensors"`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		reading, err := service.Ingest(ctx, criticalInput())
		Expect(err).NotTo(HaveOccurred())
		Expect(reading.AlertGenerated).To(BeTrue())
		Expect(reading.AlertID).NotTo(BeNil())
		Expect(reading.ComplianceStatus).To(Equal(store.ComplianceCritical))
	})
})

var _ = Describe("batteryPercent", func() {
	It("should map voltage onto the 0..100 scale", func() {
		Expect(batteryPercent(5.0)).To(Equal(100))
		Expect(batteryPercent(2.5)).To(Equal(50))
		Expect(batteryPercent(0)).To(Equal(0))
	})

	It("should clamp out-of-scale values", func() {
		Expect(batteryPercent(6.0)).To(Equal(100))
		Expect(batteryPercent(-1.0)).To(Equal(0))
	})
})
