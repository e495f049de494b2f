package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
	"coldwatch.dev/telemetry/pkg/metrics"
	"coldwatch.dev/telemetry/pkg/mq"
)

// ReadingMessage is the JSON wire format published by sensors (or the
// simulator) onto the readings queue.
type ReadingMessage struct {
	OrganizationID   string   `json:"organization_id"`
	DeviceID         string   `json:"device_id"`
	Timestamp        int64    `json:"timestamp"`
	Temperature      *float64 `json:"temperature,omitempty"`
	Humidity         *float64 `json:"humidity,omitempty"`
	Pressure         *float64 `json:"pressure,omitempty"`
	BatteryVoltage   *float64 `json:"battery_voltage,omitempty"`
	RSSI             *int     `json:"rssi,omitempty"`
	DataQualityScore *float64 `json:"data_quality_score,omitempty"`
}

// Consumer consumes reading messages from RabbitMQ and feeds them through
// the ingest service.
type Consumer struct {
	logger    *slog.Logger
	service   *Service
	mqClient  mq.ClientInterface
	metrics   *metrics.TelemetryMetrics
	queueName string
	done      chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger      *slog.Logger
	Service     *Service
	RabbitMQURL string
	QueueName   string
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Service == nil {
		return nil, errors.New("ingest service cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	mqClient := mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger)

	return &Consumer{
		logger:    cfg.Logger,
		service:   cfg.Service,
		mqClient:  mqClient,
		queueName: cfg.QueueName,
		done:      make(chan struct{}),
	}, nil
}

// SetMetrics attaches consumer metrics.
func (c *Consumer) SetMetrics(m *metrics.TelemetryMetrics) {
	c.metrics = m
}

// Start begins consuming messages from RabbitMQ.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer", "queue", c.queueName)

	// Wait for MQ client to be ready
	time.Sleep(2 * time.Second)

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			close(c.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				close(c.done)
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery processes a single message delivery. Malformed and
// non-retryable messages are acknowledged so they never wedge the queue;
// only retryable storage failures are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg ReadingMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal reading message", "error", err)
		c.count("parse_error")
		c.ack(delivery)
		return
	}

	orgID, err := uuid.Parse(msg.OrganizationID)
	if err != nil {
		c.logger.Error("reading message carries invalid organization id",
			"organization_id", msg.OrganizationID,
			"device_id", msg.DeviceID,
			"error", err,
		)
		c.count("parse_error")
		c.ack(delivery)
		return
	}

	input := ReadingInput{
		DeviceID:         msg.DeviceID,
		Timestamp:        time.Unix(msg.Timestamp, 0).UTC(),
		Temperature:      msg.Temperature,
		Humidity:         msg.Humidity,
		Pressure:         msg.Pressure,
		BatteryVoltage:   msg.BatteryVoltage,
		RSSI:             msg.RSSI,
		DataQualityScore: msg.DataQualityScore,
	}

	ingestCtx := tenant.WithContext(ctx, tenant.Ingestor(orgID))
	if _, err := c.service.Ingest(ingestCtx, input); err != nil {
		c.logger.Error("failed to ingest reading",
			"device_id", msg.DeviceID,
			"error", err,
		)
		c.count("error")
		if errs.IsRetryable(err) {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("failed to nack message", "error", nackErr)
			}
			return
		}
		// Validation and permission failures never succeed on redelivery.
		c.ack(delivery)
		return
	}

	c.count("success")
	c.ack(delivery)

	c.logger.Debug("reading message processed", "device_id", msg.DeviceID)
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) count(status string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessagesSeen.WithLabelValues(c.queueName, status).Inc()
	}
}

// Stop stops the consumer and closes the MQ client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	// Wait for message processing to complete
	<-c.done

	c.logger.Info("consumer stopped")
	return nil
}
