// Package telemetry wires the backend together: database, partition
// lifecycle, queue consumer, maintenance runner, and the metrics endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/archive"
	"coldwatch.dev/telemetry/internal/ingest"
	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/maintenance"
	"coldwatch.dev/telemetry/internal/partition"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/pkg/metrics"
)

// Server represents the telemetry backend: it consumes readings from the
// queue, maintains the partition lifecycle, and serves metrics.
type Server struct {
	logger     *slog.Logger
	db         *gorm.DB
	consumer   *ingest.Consumer
	runner     *maintenance.Runner
	metricsSrv *http.Server
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration
	RabbitMQURL string
	QueueName   string

	// Metrics endpoint
	MetricsPort int

	// Partition pre-creation horizon at boot and per maintenance run.
	PartitionHorizonMonths int

	// Maintenance tuning
	Maintenance maintenance.RunnerConfig
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.MetricsPort <= 0 {
		return nil, errors.New("metrics port must be positive")
	}

	if cfg.PartitionHorizonMonths < 0 {
		return nil, errors.New("partition horizon cannot be negative")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting telemetry backend")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	telemetryMetrics := metrics.NewTelemetryMetrics("coldwatch")

	db, err := store.NewDB(&store.DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if err := store.Instrument(db, telemetryMetrics); err != nil {
		return fmt.Errorf("failed to instrument database: %w", err)
	}

	s.logger.Info("database initialized successfully")

	enforcer := isolation.NewEnforcer()

	partitions, err := partition.NewManager(db, s.logger, enforcer)
	if err != nil {
		return fmt.Errorf("failed to initialize partition manager: %w", err)
	}
	partitions.SetMetrics(telemetryMetrics)

	// Pre-create the partition horizon before the first reading arrives.
	names, err := partitions.EnsureFuture(ctx, s.config.PartitionHorizonMonths)
	if err != nil {
		return fmt.Errorf("failed to pre-create partitions: %w", err)
	}
	telemetryMetrics.PartitionsLive.Set(float64(len(names)))
	s.logger.Info("partition horizon ready", "partitions", names)

	archiver, err := archive.NewArchiver(db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize archiver: %w", err)
	}
	archiver.SetMetrics(telemetryMetrics)

	service, err := ingest.NewService(&ingest.ServiceConfig{
		Logger:     s.logger,
		DB:         db,
		Enforcer:   enforcer,
		Partitions: partitions,
		Source:     "queue",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingest service: %w", err)
	}
	service.SetMetrics(telemetryMetrics)

	consumer, err := ingest.NewConsumer(&ingest.ConsumerConfig{
		Logger:      s.logger,
		Service:     service,
		RabbitMQURL: s.config.RabbitMQURL,
		QueueName:   s.config.QueueName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	consumer.SetMetrics(telemetryMetrics)
	s.consumer = consumer

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	scheduler, err := maintenance.NewScheduler(db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize maintenance scheduler: %w", err)
	}
	scheduler.SetMetrics(telemetryMetrics)

	runner, err := maintenance.NewRunner(s.config.Maintenance, scheduler, archiver, partitions, db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize maintenance runner: %w", err)
	}
	runner.SetMetrics(telemetryMetrics)
	s.runner = runner

	go s.runner.Run(ctx)

	metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting metrics server", "address", metricsAddr)

	metricsErr := make(chan error, 1)
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- fmt.Errorf("metrics server error: %w", err)
		}
		close(metricsErr)
	}()

	s.logger.Info("telemetry backend started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-metricsErr:
		if err != nil {
			s.logger.Error("metrics server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down telemetry backend")

	var shutdownErr error

	if s.metricsSrv != nil {
		s.logger.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop metrics server", "error", err)
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
		}
		cancel()
	}

	if s.consumer != nil {
		s.logger.Info("stopping consumer")
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; consumer shutdown error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("consumer shutdown error: %w", err)
			}
		}
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("telemetry backend shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("telemetry backend shutdown completed successfully")
	return nil
}
