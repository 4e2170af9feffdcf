package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/publisher"
)

var _ publisher.ArrivalPublisher = (*ArrivalPublisher)(nil)

const (
	ExchangeName = "tracking.events"
	QueueName    = "arrival_detected"

	arrivalEvent = "arrival_detected"
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type ArrivalPublisher struct {
	ch channel
}

func NewArrivalPublisher(conn *amqp.Connection) (*ArrivalPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(QueueName, "", ExchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &ArrivalPublisher{ch: ch}, nil
}

type arrivalMessage struct {
	Event        string          `json:"event"`
	JobID        string          `json:"job_id"`
	ContractorID string          `json:"contractor_id"`
	Location     arrivalLocation `json:"location"`
	Timestamp    int64           `json:"timestamp"`
}

type arrivalLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p *ArrivalPublisher) PublishArrival(ctx context.Context, event *domain.ArrivalDetected) error {
	msg := arrivalMessage{
		Event:        arrivalEvent,
		JobID:        event.JobID,
		ContractorID: event.ContractorID,
		Location: arrivalLocation{
			Latitude:  event.Location.Lat,
			Longitude: event.Location.Lon,
		},
		Timestamp: event.DetectedAt.Unix(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal arrival: %w", err)
	}

	return p.ch.PublishWithContext(ctx, ExchangeName, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Type:         arrivalEvent,
		Body:         body,
	})
}

func (p *ArrivalPublisher) Close() error {
	return p.ch.Close()
}
