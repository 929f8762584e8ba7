package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// DetectionEvent is published after every completed detection so the
// notification dispatcher and the metrics aggregator can consume it.
type DetectionEvent struct {
	ResultID       string `json:"result_id"`
	DeviceID       string `json:"device_id"`
	HasPackage     bool   `json:"has_package"`
	Confidence     int    `json:"confidence"`
	Tier           string `json:"tier"`
	Mode           string `json:"mode"`
	Reason         string `json:"reason"`
	Description    string `json:"description,omitempty"`
	ChangeDetected bool   `json:"change_detected,omitempty"`
	Error          string `json:"error,omitempty"`
	DetectedAt     string `json:"detected_at"`
}

// ScheduleEvent tells the device relay when the next check should happen.
type ScheduleEvent struct {
	DeviceID        string `json:"device_id"`
	Mode            string `json:"mode"`
	IntervalSeconds int    `json:"interval_seconds"`
	Reason          string `json:"reason"`
	NextCheckAt     string `json:"next_check_at"`
}

// PublishDetection publishes a detection event
func (p *Publisher) PublishDetection(ctx context.Context, event DetectionEvent, routingKey string) error {
	if err := p.publishJSON(ctx, event, routingKey); err != nil {
		return err
	}
	p.logger.Debug("published detection event",
		zap.String("routing_key", routingKey),
		zap.String("result_id", event.ResultID),
		zap.String("device_id", event.DeviceID),
		zap.Bool("has_package", event.HasPackage),
	)
	return nil
}

// PublishSchedule publishes a next-check recommendation
func (p *Publisher) PublishSchedule(ctx context.Context, event ScheduleEvent, routingKey string) error {
	if err := p.publishJSON(ctx, event, routingKey); err != nil {
		return err
	}
	p.logger.Debug("published schedule event",
		zap.String("routing_key", routingKey),
		zap.String("device_id", event.DeviceID),
		zap.String("mode", event.Mode),
		zap.Int("interval_seconds", event.IntervalSeconds),
	)
	return nil
}

func (p *Publisher) publishJSON(ctx context.Context, event interface{}, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
