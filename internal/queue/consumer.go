package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrMalformed marks a message that can never be processed.  It is rejected
// without requeueing.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Consumer reads one durable queue with a reconnect loop.  A failed message
// is requeued once; a malformed or already redelivered one is dropped so
// the queue never spins on it.
type Consumer struct {
	URL      string
	Queue    string
	Prefetch int
	Handle   Handler
	Log      *slog.Logger
}

// Run connects to the broker and consumes until ctx is done.  Dial and
// channel failures are retried with a doubling pause capped at 30s.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.Log.With("queue", c.Queue)
	wait := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.Warn("failed to dial broker", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			if wait < 30*time.Second {
				wait *= 2
			}
			continue
		}
		wait = time.Second

		err = c.consumeLoop(ctx, conn, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection, log *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	prefetch := c.Prefetch
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		log.Warn("set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.dispatch(ctx, d, log)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, log *slog.Logger) {
	err := c.Handle(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	requeue := !d.Redelivered && !errors.Is(err, ErrMalformed)
	log.Error("handle message failed", "error", err, "requeue", requeue)
	_ = d.Nack(false, requeue)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
