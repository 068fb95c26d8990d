package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AmqpBroker delivers tasks over a durable RabbitMQ queue with manual acks.
// The ledger still lives in Redis; RabbitMQ only moves payloads.
type AmqpBroker struct {
	conn      *amqp.Connection
	publishCh *amqp.Channel
	queue     string
}

// NewAmqpBroker dials the broker and declares the durable queue.
func NewAmqpBroker(url, queueName string) (*AmqpBroker, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return nil, errors.New("amqp queue name required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AmqpBroker{conn: conn, publishCh: ch, queue: queueName}, nil
}

// Publish sends the task as a persistent message.
func (b *AmqpBroker) Publish(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	return b.publishCh.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.ID,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(raw),
	})
}

// Start opens one channel per worker with prefetch 1 and consumes until the
// context ends.
func (b *AmqpBroker) Start(ctx context.Context, concurrency int, handle func(ctx context.Context, task Task) Outcome) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go b.consumeLoop(ctx, handle)
	}
	go func() {
		<-ctx.Done()
		_ = b.conn.Close()
	}()
}

func (b *AmqpBroker) consumeLoop(ctx context.Context, handle func(ctx context.Context, task Task) Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ch, err := b.conn.Channel()
		if err != nil {
			slog.Error("amqp channel", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if err := ch.Qos(1, 0, false); err != nil {
			_ = ch.Close()
			continue
		}
		deliveries, err := ch.Consume(b.queue, "", false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			continue
		}
		b.drain(ctx, deliveries, handle)
		_ = ch.Close()
	}
}

func (b *AmqpBroker) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handle func(ctx context.Context, task Task) Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			task, err := decodeTask(string(d.Body))
			if err != nil {
				_ = d.Ack(false)
				continue
			}
			switch handle(ctx, task) {
			case OutcomeRetry:
				_ = d.Nack(false, true)
			default:
				_ = d.Ack(false)
			}
		}
	}
}
