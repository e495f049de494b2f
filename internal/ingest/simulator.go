package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"coldwatch.dev/telemetry/pkg/generator"
	"coldwatch.dev/telemetry/pkg/mq"
)

// Simulator publishes synthetic reading messages for a set of devices onto
// the readings queue, exercising the full queue -> consumer -> partition
// path without hardware.
type Simulator struct {
	logger     *slog.Logger
	mqClient   mq.ClientInterface
	orgID      uuid.UUID
	generators []*generator.ReadingGenerator
	interval   time.Duration
}

// SimulatorConfig holds the configuration for the Simulator.
type SimulatorConfig struct {
	Logger         *slog.Logger
	MQClient       mq.ClientInterface
	OrganizationID uuid.UUID
	// DeviceIDs are the device identifiers to simulate. They must already
	// exist as sensors or the consumer will reject their readings.
	DeviceIDs []string
	// TemperatureMin/Max seed the generators' baselines.
	TemperatureMin float64
	TemperatureMax float64
	Interval       time.Duration
}

// NewSimulator creates a simulator for the given devices.
func NewSimulator(cfg *SimulatorConfig) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MQClient == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if cfg.OrganizationID == uuid.Nil {
		return nil, errors.New("organization id cannot be nil")
	}
	if len(cfg.DeviceIDs) == 0 {
		return nil, errors.New("at least one device id is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	generators := make([]*generator.ReadingGenerator, 0, len(cfg.DeviceIDs))
	for _, deviceID := range cfg.DeviceIDs {
		generators = append(generators, generator.NewReadingGenerator(deviceID, cfg.TemperatureMin, cfg.TemperatureMax))
	}

	return &Simulator{
		logger:     cfg.Logger,
		mqClient:   cfg.MQClient,
		orgID:      cfg.OrganizationID,
		generators: generators,
		interval:   interval,
	}, nil
}

// Run publishes one reading from a random device per interval until ctx is
// cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("simulator started",
		"devices", len(s.generators),
		"interval", s.interval,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopping")
			return nil
		case <-ticker.C:
			if err := s.PublishOne(ctx); err != nil {
				s.logger.Error("failed to publish simulated reading", "error", err)
			}
		}
	}
}

// PublishOne generates and publishes a single reading from a random device.
func (s *Simulator) PublishOne(ctx context.Context) error {
	gen := s.generators[rand.Intn(len(s.generators))]
	m := gen.Generate(time.Now().UTC())

	msg := ReadingMessage{
		OrganizationID:   s.orgID.String(),
		DeviceID:         m.DeviceID,
		Timestamp:        m.Timestamp.Unix(),
		Temperature:      &m.Temperature,
		Humidity:         &m.Humidity,
		Pressure:         &m.Pressure,
		BatteryVoltage:   &m.BatteryVoltage,
		RSSI:             &m.RSSI,
		DataQualityScore: &m.DataQualityScore,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal reading message: %w", err)
	}

	if err := s.mqClient.Push(ctx, payload); err != nil {
		return fmt.Errorf("failed to push reading message: %w", err)
	}

	s.logger.Debug("simulated reading published", "device_id", m.DeviceID)
	return nil
}
