package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/realtime"
	"github.com/telanks/wallet-guard/internal/risk"
)

const (
	owner   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	spender = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	token   = "0x78f623e9408cc8cac5a64b1623cddd793fdfeb57"
)

type recordingHub struct {
	mu     sync.Mutex
	events []*risk.Event
}

func (h *recordingHub) Publish(_ string, e *risk.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return 1
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type failingStore struct{ risk.Store }

func (failingStore) Record(context.Context, *risk.Event) error { return errors.New("db down") }

type recordingBroker struct {
	events []*risk.Event
	err    error
}

func (b *recordingBroker) Publish(_ context.Context, e *risk.Event) error {
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, e)
	return nil
}

func newEvent(source risk.Source, allowance uint64) *risk.Event {
	return newEventFor(spender, source, allowance)
}

func newEventFor(sp string, source risk.Source, allowance uint64) *risk.Event {
	return eventWithAllowance(sp, source, uint256.NewInt(allowance))
}

func eventWithAllowance(sp string, source risk.Source, allowance *uint256.Int) *risk.Event {
	return risk.NewEvent(risk.Observation{
		Source:        source,
		Owner:         owner,
		Spender:       sp,
		Token:         token,
		Allowance:     allowance,
		IsContract:    true,
		IsWhitelisted: true,
	})
}

func TestPublish_FansOut(t *testing.T) {
	hub := &recordingHub{}
	store := risk.NewMemoryStore(0)
	broker := &recordingBroker{}
	d := NewDispatcher(hub, logging.Discard(), WithStore(store), WithBroker(broker))

	e := newEvent(risk.SourceListener, 1)
	require.NoError(t, d.Publish(context.Background(), e))

	assert.Equal(t, 1, hub.count())
	assert.Len(t, broker.events, 1)
	stored, err := store.ListByOwner(context.Background(), owner, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].ID)
}

func TestPublish_DeduplicatesAcrossSources(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard())

	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 5)))
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceScanner, 5)))
	assert.Equal(t, 1, hub.count())

	// A different allowance is a different change.
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceScanner, 6)))
	assert.Equal(t, 2, hub.count())
}

func TestPublish_ScannerThenListenerDeduplicated(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard())

	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceScanner, 5)))
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 5)))
	assert.Equal(t, 1, hub.count())
}

func TestPublish_SameSourceNeverSuppressed(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard())

	// Two approvals of the same amount are two on-chain events.
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 5)))
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 5)))
	assert.Equal(t, 2, hub.count())
}

func TestPublish_ReapprovalAfterRevokeDelivered(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard())
	ctx := context.Background()

	unlimited := func(source risk.Source) *risk.Event {
		return eventWithAllowance(spender, source, new(uint256.Int).SetAllOne())
	}

	first := unlimited(risk.SourceListener)
	require.Equal(t, risk.LevelDanger, first.Risk.Level)
	require.NoError(t, d.Publish(ctx, first))
	require.NoError(t, d.Publish(ctx, newEvent(risk.SourceListener, 0)))
	require.NoError(t, d.Publish(ctx, unlimited(risk.SourceListener)))
	assert.Equal(t, 3, hub.count())

	// The scanner confirming the current state is still dropped.
	require.NoError(t, d.Publish(ctx, unlimited(risk.SourceScanner)))
	assert.Equal(t, 3, hub.count())

	// A scanner reading of a superseded value is not.
	require.NoError(t, d.Publish(ctx, newEvent(risk.SourceScanner, 0)))
	assert.Equal(t, 4, hub.count())
}

func TestPublish_DedupeWindowExpires(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard(), WithDedupeWindow(time.Minute))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 5)))
	now = now.Add(30 * time.Second)
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceScanner, 5)))
	assert.Equal(t, 1, hub.count())

	now = now.Add(2 * time.Minute)
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceScanner, 5)))
	assert.Equal(t, 2, hub.count())
}

func TestPublish_ZeroWindowDisablesDedupe(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard(), WithDedupeWindow(0))

	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 5)))
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceScanner, 5)))
	assert.Equal(t, 2, hub.count())
}

func TestPublish_SweepsExpiredKeys(t *testing.T) {
	d := NewDispatcher(&recordingHub{}, logging.Discard(), WithDedupeWindow(time.Second))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	spenders := []string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333",
	}
	for _, sp := range spenders {
		require.NoError(t, d.Publish(context.Background(), newEventFor(sp, risk.SourceListener, 1)))
	}
	now = now.Add(5 * time.Second)
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 99)))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.seen, 1)
}

func TestPublish_StoreAndBrokerFailuresStillDeliver(t *testing.T) {
	hub := &recordingHub{}
	broker := &recordingBroker{err: errors.New("amqp closed")}
	d := NewDispatcher(hub, logging.Discard(), WithStore(failingStore{}), WithBroker(broker))

	err := d.Publish(context.Background(), newEvent(risk.SourceListener, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Contains(t, err.Error(), "amqp closed")
	assert.Equal(t, 1, hub.count())
}

func TestPublish_NilEvent(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(hub, logging.Discard())
	assert.NoError(t, d.Publish(context.Background(), nil))
	assert.Equal(t, 0, hub.count())
}

// conn captures pushes from the real hub.
type conn struct {
	mu   sync.Mutex
	msgs int
}

func (c *conn) Send([]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs++
	return true
}

func TestPublish_ThroughRealtimeHub(t *testing.T) {
	hub := realtime.NewHub(logging.Discard(), 0)
	mine, other := &conn{}, &conn{}
	require.NoError(t, hub.Subscribe(owner, mine))
	require.NoError(t, hub.Subscribe(spender, other))

	d := NewDispatcher(hub, logging.Discard())
	require.NoError(t, d.Publish(context.Background(), newEvent(risk.SourceListener, 1)))

	assert.Equal(t, 1, mine.msgs)
	assert.Equal(t, 0, other.msgs)
}
