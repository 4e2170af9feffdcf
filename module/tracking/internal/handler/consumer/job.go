package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/service"
)

const (
	ExchangeName = "jobs.lifecycle"
	QueueName    = "tracking.job_events"

	eventJobCompleted = "job_completed"
	consumerTag       = "enroute-tracking"
)

type tracker interface {
	StopTracking(jobID string) error
}

// channel is the subset of *amqp.Channel the consumer needs.
type channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

type jobMessage struct {
	JobID string `json:"job_id" validate:"required"`
	Event string `json:"event" validate:"required"`
}

// JobConsumer ends tracking when the job lifecycle reports a job as
// completed, so a session never outlives its job.
type JobConsumer struct {
	ch       channel
	tracker  tracker
	validate *validator.Validate
	log      logrus.FieldLogger
	done     chan struct{}
}

func NewJobConsumer(conn *amqp.Connection, tracker tracker, log logrus.FieldLogger) (*JobConsumer, error) {
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

	return newJobConsumer(ch, tracker, log), nil
}

func newJobConsumer(ch channel, tracker tracker, log logrus.FieldLogger) *JobConsumer {
	return &JobConsumer{
		ch:       ch,
		tracker:  tracker,
		validate: validator.New(),
		log:      log.WithField("queue", QueueName),
		done:     make(chan struct{}),
	}
}

// Start consumes until ctx is done or the channel closes.
func (c *JobConsumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.log.Warn("delivery channel closed")
					return
				}
				c.deliver(d)
			}
		}
	}()
	return nil
}

func (c *JobConsumer) Close() error {
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		c.log.WithError(err).Warn("cancel consumer")
	}
	return c.ch.Close()
}

func (c *JobConsumer) deliver(d amqp.Delivery) {
	if err := c.process(d.Body); err != nil {
		c.log.WithError(err).Warn("discarding job event")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *JobConsumer) process(body []byte) error {
	var msg jobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := c.validate.Struct(&msg); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if msg.Event != eventJobCompleted {
		return nil
	}

	log := c.log.WithField("job_id", msg.JobID)
	if err := c.tracker.StopTracking(msg.JobID); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			log.Debug("completed job had no active session")
			return nil
		}
		return err
	}
	log.Info("tracking stopped on job completion")
	return nil
}
