package queue

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// FailureQueueName holds items a stage gave up on, plus events rejected by
// consumers of the main queue.
const FailureQueueName = "podmirror_failures"

func (q *Queue) failureExchange() string {
	return q.exchange + ".failed"
}

// setupFailureQueue declares the dead letter exchange and its queue
func (q *Queue) setupFailureQueue() error {
	err := q.channel.ExchangeDeclare(
		q.failureExchange(),
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare failure exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		FailureQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare failure queue: %w", err)
	}

	err = q.channel.QueueBind(
		FailureQueueName,
		FailureQueueName,
		q.failureExchange(),
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind failure queue: %w", err)
	}
	return nil
}

// EpisodeFailed routes a failed item straight to the failure queue
func (q *Queue) EpisodeFailed(ctx context.Context, evt models.EpisodeFailedEvent) error {
	return q.publish(ctx, q.failureExchange(), FailureQueueName, evt.VideoID, evt)
}

// GetFailureDepth returns the number of messages in the failure queue
func (q *Queue) GetFailureDepth() (int, error) {
	info, err := q.channel.QueueInspect(FailureQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect failure queue: %w", err)
	}

	return info.Messages, nil
}
