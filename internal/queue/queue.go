package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

const (
	EventsQueueName = "podmirror_events"
	EventsBinding   = "episode.*"
	FeedBinding     = "feed.*"
)

// channel is the subset of *amqp.Channel the publisher uses
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

// Queue publishes pipeline events to a topic exchange
type Queue struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	now      func() time.Time
}

// URL builds the broker address
func URL(cfg config.AMQPConfig) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)
}

// New creates a new queue client
func New(cfg config.AMQPConfig) (*Queue, error) {
	conn, err := amqp.Dial(URL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := newWithChannel(ch, cfg.Exchange)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newWithChannel(ch channel, exchange string) (*Queue, error) {
	if exchange == "" {
		exchange = "podmirror"
	}
	q := &Queue{channel: ch, exchange: exchange, now: time.Now}
	if err := q.declare(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) declare() error {
	err := q.channel.ExchangeDeclare(
		q.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := q.setupFailureQueue(); err != nil {
		return err
	}

	_, err = q.channel.QueueDeclare(
		EventsQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    q.failureExchange(),
			"x-dead-letter-routing-key": FailureQueueName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range []string{EventsBinding, FeedBinding} {
		if err := q.channel.QueueBind(EventsQueueName, key, q.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}
	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Name identifies the notifier in logs and metrics
func (q *Queue) Name() string {
	return "amqp"
}

// EpisodePublished announces a newly published episode
func (q *Queue) EpisodePublished(ctx context.Context, evt models.EpisodePublishedEvent) error {
	return q.publish(ctx, q.exchange, evt.Event, evt.VideoID, evt)
}

// FeedGenerated announces a regenerated feed
func (q *Queue) FeedGenerated(ctx context.Context, evt models.FeedGeneratedEvent) error {
	return q.publish(ctx, q.exchange, evt.Event, "", evt)
}

func (q *Queue) publish(ctx context.Context, exchange, key, messageID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    messageID,
			Body:         body,
			Timestamp:    q.now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// GetQueueDepth returns the number of undelivered events
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(EventsQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
