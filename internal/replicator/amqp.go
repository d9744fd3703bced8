// Package replicator – AMQP broadcaster
//
// This file carries change signals between hosts through a RabbitMQ fanout
// exchange (amqp091-go). Signals are transient JSON messages; a session that
// is not subscribed when a signal is published never sees it, which is why
// listeners reload from the store instead of trusting the signal stream.
//
// Errors:
//   - DialAMQP wraps connection, channel and exchange failures.
//   - Subscribe wraps queue declaration, binding and consume failures.
//   - Malformed messages are logged and dropped, never returned.
package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AMQPBroadcaster fans signals out through a RabbitMQ fanout exchange. Each
// subscription gets its own exclusive, auto-deleted queue.
type AMQPBroadcaster struct {
	conn     *amqp.Connection
	exchange string
	log      zerolog.Logger

	mu  sync.Mutex // serializes publishes on pub
	pub *amqp.Channel
}

// DialAMQP connects to url and declares the fanout exchange.
func DialAMQP(url, exchange string) (*AMQPBroadcaster, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPBroadcaster{
		conn:     conn,
		exchange: exchange,
		pub:      ch,
		log:      log.With().Str("component", "replicator").Str("transport", "amqp").Logger(),
	}, nil
}

// Broadcast publishes s to the exchange. Publishes are serialized because an
// AMQP channel is not safe for concurrent use.
func (b *AMQPBroadcaster) Broadcast(ctx context.Context, s Signal) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		AppId:        s.Origin,
		Body:         body,
	})
}

// Subscribe binds a fresh exclusive queue to the exchange and calls fn for
// every signal received on it. The returned cancel closes the queue's
// channel, which ends delivery.
func (b *AMQPBroadcaster) Subscribe(fn func(Signal)) (func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	go func() {
		for d := range msgs {
			var s Signal
			if err := json.Unmarshal(d.Body, &s); err != nil {
				b.log.Warn().Err(err).Msg("drop malformed signal")
				continue
			}
			fn(s)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { _ = ch.Close() }) }, nil
}

// Close closes the publish channel and the connection; open subscriptions
// end with it.
func (b *AMQPBroadcaster) Close() error {
	b.mu.Lock()
	_ = b.pub.Close()
	b.mu.Unlock()
	return b.conn.Close()
}
