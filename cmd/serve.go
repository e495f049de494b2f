package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coldwatch.dev/telemetry/internal/maintenance"
	"coldwatch.dev/telemetry/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry backend",
	Long: `Run the telemetry backend that:
- Consumes sensor readings from RabbitMQ
- Routes readings into monthly partitions, creating them on demand
- Runs the maintenance scheduler (archival, cleanup, partition pre-creation)
- Serves Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addDBFlags(serveCmd, "serve")

	serveCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	serveCmd.Flags().String("queue-name", "readings", "RabbitMQ queue name for sensor readings")
	serveCmd.Flags().Int("metrics-port", 9091, "Prometheus metrics port")
	serveCmd.Flags().Int("partition-horizon", 3, "Months of partitions to pre-create ahead")
	serveCmd.Flags().Duration("maintenance-interval", time.Hour, "How often to check for due maintenance jobs")
	serveCmd.Flags().Int("retention-months", 24, "Partition age in months at which archival begins")
	serveCmd.Flags().Int("max-partitions-per-run", 3, "Maximum partitions archived per maintenance run")
	serveCmd.Flags().Int("cleanup-years", 3, "Age in years at which archived data is permanently deleted")

	_ = viper.BindPFlag("serve.rabbitmq.url", serveCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("serve.rabbitmq.queue_name", serveCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("serve.metrics.port", serveCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("serve.partition.horizon", serveCmd.Flags().Lookup("partition-horizon"))
	_ = viper.BindPFlag("serve.maintenance.interval", serveCmd.Flags().Lookup("maintenance-interval"))
	_ = viper.BindPFlag("serve.maintenance.retention_months", serveCmd.Flags().Lookup("retention-months"))
	_ = viper.BindPFlag("serve.maintenance.max_partitions_per_run", serveCmd.Flags().Lookup("max-partitions-per-run"))
	_ = viper.BindPFlag("serve.maintenance.cleanup_years", serveCmd.Flags().Lookup("cleanup-years"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting telemetry service")

	horizon := viper.GetInt("serve.partition.horizon")

	maintCfg := maintenance.DefaultRunnerConfig()
	maintCfg.PollInterval = viper.GetDuration("serve.maintenance.interval")
	maintCfg.RetentionMonths = viper.GetInt("serve.maintenance.retention_months")
	maintCfg.MaxPartitionsPerRun = viper.GetInt("serve.maintenance.max_partitions_per_run")
	maintCfg.CleanupYears = viper.GetInt("serve.maintenance.cleanup_years")
	maintCfg.PartitionHorizonMonths = horizon

	config := &telemetry.ServerConfig{
		Logger:                 logger,
		DBHost:                 viper.GetString("serve.db.host"),
		DBPort:                 viper.GetInt("serve.db.port"),
		DBUser:                 viper.GetString("serve.db.user"),
		DBPassword:             viper.GetString("serve.db.password"),
		DBName:                 viper.GetString("serve.db.name"),
		DBSSLMode:              viper.GetString("serve.db.sslmode"),
		RabbitMQURL:            viper.GetString("serve.rabbitmq.url"),
		QueueName:              viper.GetString("serve.rabbitmq.queue_name"),
		MetricsPort:            viper.GetInt("serve.metrics.port"),
		PartitionHorizonMonths: horizon,
		Maintenance:            maintCfg,
	}

	server, err := telemetry.NewServer(config)
	if err != nil {
		logger.Error("failed to create telemetry server", "error", err)
		return err
	}

	logger.Info("telemetry server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"queue", config.QueueName,
		"metrics_port", config.MetricsPort,
		"partition_horizon", config.PartitionHorizonMonths,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("telemetry server error", "error", err)
		return err
	}

	logger.Info("telemetry server stopped")
	return nil
}
