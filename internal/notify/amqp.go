package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange all domain events flow through.
const Exchange = "craftlink.events"

// AMQPEmitter publishes events to the topic exchange with the event kind as
// routing key. Messages are persistent so the notifier can catch up after a
// restart.
type AMQPEmitter struct {
	mu     sync.Mutex // amqp channels are not safe for concurrent publish
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewAMQPEmitter(url string, logger *slog.Logger) (*AMQPEmitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPEmitter{conn: conn, ch: ch, logger: logger}, nil
}

var _ Emitter = (*AMQPEmitter)(nil)

func (p *AMQPEmitter) Emit(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal event", "kind", e.Kind, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, Exchange, e.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("publish event failed", "kind", e.Kind, "booking_id", e.BookingID, "error", err)
	}
}

func (p *AMQPEmitter) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
