// Package notify fans risk events out from the monitoring paths to their
// destinations: live subscribers, the event log and the message broker.
//
// The listener and the scanner can both observe the same allowance change.
// The dispatcher drops an event when the last event published for the same
// (owner, spender, token) within the dedupe window came from the other
// source and carried the same allowance. Events from one source are never
// suppressed: each one is a distinct observation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telanks/wallet-guard/internal/metrics"
	"github.com/telanks/wallet-guard/internal/risk"
)

// DefaultDedupeWindow is used when no window is configured.
const DefaultDedupeWindow = 30 * time.Second

// Hub delivers an event to an owner's live connections.
type Hub interface {
	Publish(owner string, event *risk.Event) int
}

// Broker forwards an event to an external message bus.
type Broker interface {
	Publish(ctx context.Context, event *risk.Event) error
}

// Dispatcher publishes risk events. Store and broker are optional.
type Dispatcher struct {
	hub    Hub
	store  risk.Store
	broker Broker
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	seen      map[string]published
	lastSweep time.Time
}

// published is the last delivered state of one allowance slot.
type published struct {
	allowance string
	source    risk.Source
	at        time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore records every published event in s.
func WithStore(s risk.Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// WithBroker forwards every published event to b.
func WithBroker(b Broker) Option {
	return func(d *Dispatcher) { d.broker = b }
}

// WithDedupeWindow sets the duplicate suppression window. Zero disables it.
func WithDedupeWindow(w time.Duration) Option {
	return func(d *Dispatcher) { d.window = w }
}

// NewDispatcher creates a dispatcher delivering to hub.
func NewDispatcher(hub Hub, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hub:    hub,
		window: DefaultDedupeWindow,
		logger: logger.With("component", "notify"),
		now:    time.Now,
		seen:   make(map[string]published),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish delivers event to live subscribers first, then records it and
// forwards it to the broker. A store or broker failure does not prevent
// delivery; the failures are returned joined.
func (d *Dispatcher) Publish(ctx context.Context, event *risk.Event) error {
	if event == nil {
		return nil
	}
	if d.duplicate(event) {
		metrics.RiskEventsDeduplicated.Inc()
		d.logger.Debug("dropping duplicate risk event",
			"owner", event.Owner, "spender", event.Spender, "source", event.Source)
		return nil
	}
	metrics.RiskEventsTotal.WithLabelValues(string(event.Risk.Level), string(event.Source)).Inc()

	delivered := d.hub.Publish(event.Owner, event)

	var errs []error
	if d.store != nil {
		if err := d.store.Record(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("record risk event: %w", err))
		}
	}
	if d.broker != nil {
		if err := d.broker.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("forward risk event: %w", err))
		}
	}

	d.logger.Info("risk event published",
		"owner", event.Owner,
		"spender", event.Spender,
		"risk", event.Risk.Level,
		"source", event.Source,
		"subscribers", delivered,
	)
	return errors.Join(errs...)
}

// duplicate reports whether event repeats, from the other source, the state
// last published for its slot within the window. Otherwise it records event
// as the slot's latest state.
func (d *Dispatcher) duplicate(event *risk.Event) bool {
	if d.window <= 0 {
		return false
	}
	now := d.now()
	key := event.DedupeKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) > d.window {
		for k, p := range d.seen {
			if now.Sub(p.at) > d.window {
				delete(d.seen, k)
			}
		}
		d.lastSweep = now
	}

	if p, ok := d.seen[key]; ok && now.Sub(p.at) <= d.window &&
		p.source != event.Source && p.allowance == event.Allowance {
		return true
	}
	d.seen[key] = published{allowance: event.Allowance, source: event.Source, at: now}
	return false
}
