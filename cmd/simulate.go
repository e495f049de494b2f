package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coldwatch.dev/telemetry/internal/ingest"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/pkg/mq"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic readings to the queue for an existing tenant",
	Long: `Publish synthetic sensor readings onto the readings queue for the
sensors of an existing organization, until interrupted. The running backend
consumes them through the normal ingest path.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	addDBFlags(simulateCmd, "simulate")

	simulateCmd.Flags().String("org-id", "", "Organization whose sensors to simulate (required)")
	simulateCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulateCmd.Flags().String("queue-name", "readings", "RabbitMQ queue name for sensor readings")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "Interval between published readings")
	_ = simulateCmd.MarkFlagRequired("org-id")

	_ = viper.BindPFlag("simulate.rabbitmq.url", simulateCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulate.rabbitmq.queue_name", simulateCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	orgFlag, _ := cmd.Flags().GetString("org-id")
	orgID, err := uuid.Parse(orgFlag)
	if err != nil {
		return fmt.Errorf("invalid org-id: %w", err)
	}

	db, err := store.NewDB(dbConfig("simulate", logger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	var sensors []store.Sensor
	if err := db.Preload("Location").Where("organization_id = ?", orgID).Find(&sensors).Error; err != nil {
		return fmt.Errorf("failed to list sensors: %w", err)
	}
	if len(sensors) == 0 {
		return fmt.Errorf("organization %s has no sensors; run seed first", orgID)
	}

	deviceIDs := make([]string, 0, len(sensors))
	for _, s := range sensors {
		deviceIDs = append(deviceIDs, s.DeviceID)
	}

	// Baselines follow the first sensor's location thresholds.
	tempMin, tempMax := 0.0, 6.0
	if loc := sensors[0].Location; loc != nil {
		if loc.TemperatureMin != nil {
			tempMin = *loc.TemperatureMin
		}
		if loc.TemperatureMax != nil {
			tempMax = *loc.TemperatureMax
		}
	}

	mqClient := mq.New(
		viper.GetString("simulate.rabbitmq.queue_name"),
		viper.GetString("simulate.rabbitmq.url"),
		logger,
	)
	defer func() { _ = mqClient.Close() }()

	simulator, err := ingest.NewSimulator(&ingest.SimulatorConfig{
		Logger:         logger,
		MQClient:       mqClient,
		OrganizationID: orgID,
		DeviceIDs:      deviceIDs,
		TemperatureMin: tempMin,
		TemperatureMax: tempMax,
		Interval:       viper.GetDuration("simulate.interval"),
	})
	if err != nil {
		return err
	}

	logger.Info("simulating readings", "org", orgID, "devices", len(deviceIDs))
	return simulator.Run(cmd.Context())
}
