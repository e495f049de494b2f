package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coldwatch.dev/telemetry/internal/ingest"
	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/generator"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a synthetic tenant with sensors and optional reading history",
	Long: `Create a synthetic organization with a monitored location and sensors.
With --backfill-days, also generates a reading history through the full
ingest path, so the corresponding monthly partitions are created on demand.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	addDBFlags(seedCmd, "seed")

	seedCmd.Flags().Int("sensors", 3, "Number of sensors to create")
	seedCmd.Flags().Int("retention-months", 24, "Retention policy of the seeded organization")
	seedCmd.Flags().Int("backfill-days", 0, "Days of reading history to generate")
	seedCmd.Flags().Duration("reading-interval", time.Hour, "Spacing between backfilled readings")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	sensorCount, _ := cmd.Flags().GetInt("sensors")
	retentionMonths, _ := cmd.Flags().GetInt("retention-months")
	backfillDays, _ := cmd.Flags().GetInt("backfill-days")
	readingInterval, _ := cmd.Flags().GetDuration("reading-interval")

	if sensorCount < 1 {
		return fmt.Errorf("at least one sensor is required")
	}

	db, err := store.NewDB(dbConfig("seed", logger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	orgProfile := generator.NewOrganizationProfile()
	org := store.Organization{
		Name:            orgProfile.Name,
		Slug:            orgProfile.Slug,
		Timezone:        orgProfile.Timezone,
		MaxSensors:      sensorCount * 2,
		RetentionMonths: retentionMonths,
	}
	if err := db.Create(&org).Error; err != nil {
		return fmt.Errorf("failed to create organization: %w", store.AsDuplicate(err, "organization", "slug"))
	}

	locProfile := generator.NewLocationProfile()
	loc := store.Location{
		OrganizationID: org.ID,
		Name:           locProfile.Name,
		LocationType:   locProfile.LocationType,
		Zone:           locProfile.Zone,
		TemperatureMin: &locProfile.TemperatureMin,
		TemperatureMax: &locProfile.TemperatureMax,
		HumidityMin:    &locProfile.HumidityMin,
		HumidityMax:    &locProfile.HumidityMax,
	}
	if err := db.Create(&loc).Error; err != nil {
		return fmt.Errorf("failed to create location: %w", err)
	}

	sensors := make([]store.Sensor, 0, sensorCount)
	for range sensorCount {
		profile := generator.NewSensorProfile()
		sensor := store.Sensor{
			OrganizationID: org.ID,
			LocationID:     &loc.ID,
			DeviceID:       profile.DeviceID,
			Name:           profile.Name,
			SensorType:     profile.SensorType,
		}
		if err := db.Create(&sensor).Error; err != nil {
			return fmt.Errorf("failed to create sensor: %w", store.AsDuplicate(err, "sensor", "device_id"))
		}
		sensors = append(sensors, sensor)
	}

	fmt.Printf("organization: %s (%s)\n", org.Name, org.ID)
	fmt.Printf("location:     %s [%s] temp %.1f..%.1f\n", loc.Name, loc.LocationType, locProfile.TemperatureMin, locProfile.TemperatureMax)
	for _, s := range sensors {
		fmt.Printf("sensor:       %s (%s)\n", s.Name, s.DeviceID)
	}

	if backfillDays <= 0 {
		return nil
	}

	enforcer := isolation.NewEnforcer()
	partitions, err := partition.NewManager(db, logger, enforcer)
	if err != nil {
		return err
	}
	service, err := ingest.NewService(&ingest.ServiceConfig{
		Logger:     logger,
		DB:         db,
		Enforcer:   enforcer,
		Partitions: partitions,
		Source:     "direct",
	})
	if err != nil {
		return err
	}

	ctx := tenant.WithContext(context.Background(), tenant.Ingestor(org.ID))

	generators := make([]*generator.ReadingGenerator, len(sensors))
	for i, s := range sensors {
		generators[i] = generator.NewReadingGenerator(s.DeviceID, locProfile.TemperatureMin, locProfile.TemperatureMax)
	}

	start := time.Now().UTC().AddDate(0, 0, -backfillDays)
	var stored, rejected int
	for ts := start; ts.Before(time.Now().UTC()); ts = ts.Add(readingInterval) {
		for _, gen := range generators {
			m := gen.Generate(ts)
			_, err := service.Ingest(ctx, ingest.ReadingInput{
				DeviceID:         m.DeviceID,
				Timestamp:        m.Timestamp,
				Temperature:      &m.Temperature,
				Humidity:         &m.Humidity,
				Pressure:         &m.Pressure,
				BatteryVoltage:   &m.BatteryVoltage,
				RSSI:             &m.RSSI,
				DataQualityScore: &m.DataQualityScore,
			})
			if err != nil {
				rejected++
				logger.Warn("backfill reading rejected", "device_id", m.DeviceID, "error", err)
				continue
			}
			stored++
		}
	}

	fmt.Printf("backfill:     %d readings stored, %d rejected\n", stored, rejected)
	return nil
}
