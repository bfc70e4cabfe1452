package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, cmd JobCommand) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	publishing, err := buildPublishing(cmd, time.Now().UTC())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, "", CommandQueueName, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish command to queue %q: %w", CommandQueueName, err)
	}

	return nil
}

func buildPublishing(cmd JobCommand, now time.Time) (amqp.Publishing, error) {
	if err := cmd.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid job command: %w", err)
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = now
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal job command: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now,
		Type:          string(cmd.Action),
		MessageId:     fmt.Sprintf("%s:%s:%d", cmd.JobID, cmd.Action, cmd.RequestedAt.UnixNano()),
		CorrelationId: cmd.CorrelationID,
		Body:          payload,
	}, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
