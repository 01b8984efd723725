// Package broker forwards risk events to an AMQP topic exchange so
// downstream systems (alerting, audit) can consume them.
//
// Messages are JSON, identical to the WebSocket payload, routed as
// risk.<level>.<owner> and marked persistent.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"github.com/telanks/wallet-guard/internal/risk"
)

// DefaultExchange is the exchange name when none is configured.
const DefaultExchange = "wallet_guard.risk"

// Channel is the part of *amqp.Channel the broker uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Opener returns a fresh channel.
type Opener func() (Channel, error)

// AMQP publishes risk events to a topic exchange. The channel is opened
// lazily and reopened after a failed publish.
type AMQP struct {
	exchange string
	open     Opener
	closer   func() error
	logger   *slog.Logger

	mu sync.Mutex
	ch Channel
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	open := func() (Channel, error) { return conn.Channel() }
	b, err := New(exchange, open, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.closer = conn.Close
	return b, nil
}

// New creates a broker over open and declares the exchange.
func New(exchange string, open Opener, logger *slog.Logger) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	b := &AMQP{
		exchange: exchange,
		open:     open,
		logger:   logger.With("component", "broker", "exchange", exchange),
	}
	if err := b.setup(); err != nil {
		return nil, err
	}
	return b, nil
}

// setup declares the exchange on a one-use channel.
func (b *AMQP) setup() error {
	ch, err := b.open()
	if err != nil {
		return fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange: %w", err)
	}
	return nil
}

// RoutingKey returns risk.<level>.<owner> with the level lowercased.
func RoutingKey(event *risk.Event) string {
	return "risk." + strings.ToLower(string(event.Risk.Level)) + "." + event.Owner
}

// Publish sends event to the exchange.
func (b *AMQP) Publish(ctx context.Context, event *risk.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broker: encode: %w", err)
	}
	msg := amqp.Publishing{
		Headers:      amqp.Table{"x-risk-event-id": event.ID},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		if b.ch, err = b.open(); err != nil {
			b.ch = nil
			return fmt.Errorf("broker: open channel: %w", err)
		}
	}
	if err := b.ch.Publish(b.exchange, RoutingKey(event), false, false, msg); err != nil {
		// The channel is unusable after a protocol error; reopen next time.
		_ = b.ch.Close()
		b.ch = nil
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Close releases the channel and, for dialed brokers, the connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			b.logger.Warn("error closing amqp channel", "error", err)
		}
		b.ch = nil
	}
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

// Ping checks the broker by opening and closing a channel.
func (b *AMQP) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		ch, err := b.open()
		if err == nil {
			err = ch.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("broker: ping timed out")
	}
}
