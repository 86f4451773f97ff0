package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded event. Returning an error rejects the
// delivery without requeue; events are notifications, not state, so a bad one
// is dropped rather than looped.
type Handler func(ctx context.Context, e Event) error

// Consume binds a durable queue to the topic exchange for the given routing
// key patterns and dispatches deliveries to the handler. It reconnects with
// exponential backoff and only returns when ctx is cancelled.
func Consume(ctx context.Context, url, queue string, keys []string, h Handler, logger *slog.Logger) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("notifier: dial broker failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := consumeLoop(ctx, conn, queue, keys, h, logger); err != nil && ctx.Err() == nil {
			logger.Warn("notifier: consume loop ended, reconnecting", "error", err)
		}
		_ = conn.Close()
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, keys []string, h Handler, logger *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, rk := range keys {
		if err := ch.QueueBind(q.Name, rk, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", rk, err)
		}
	}
	if err := ch.Qos(50, 0, false); err != nil {
		logger.Warn("notifier: set QoS failed", "error", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for d := range msgs {
		var e Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			logger.Error("notifier: bad event payload", "error", err)
			_ = d.Nack(false, false)
			continue
		}
		if err := h(ctx, e); err != nil {
			logger.Error("notifier: handle event failed", "kind", e.Kind, "error", err)
			_ = d.Nack(false, false)
			continue
		}
		_ = d.Ack(false)
	}
	return fmt.Errorf("deliveries channel closed")
}
