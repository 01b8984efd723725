package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/risk"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	published  []published
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != amqp.ExchangeTopic || !durable {
		return errors.New("unexpected exchange settings")
	}
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConn struct {
	channels []*fakeChannel
	openErr  error
	next     func() *fakeChannel
}

func (c *fakeConn) open() (Channel, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	ch := &fakeChannel{}
	if c.next != nil {
		ch = c.next()
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func testEvent() *risk.Event {
	return risk.NewEvent(risk.Observation{
		Source:    risk.SourceListener,
		Owner:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Spender:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Token:     "0x78f623e9408cc8cac5a64b1623cddd793fdfeb57",
		Allowance: risk.MaxUint256,
	})
}

func TestNew_DeclaresExchange(t *testing.T) {
	conn := &fakeConn{}
	_, err := New("", conn.open, logging.Discard())
	require.NoError(t, err)

	require.Len(t, conn.channels, 1)
	assert.Equal(t, []string{DefaultExchange}, conn.channels[0].declared)
	assert.True(t, conn.channels[0].closed, "setup channel is one-use")
}

func TestNew_OpenFailure(t *testing.T) {
	conn := &fakeConn{openErr: errors.New("connection refused")}
	_, err := New("x", conn.open, logging.Discard())
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	conn := &fakeConn{}
	b, err := New("guard", conn.open, logging.Discard())
	require.NoError(t, err)

	e := testEvent()
	require.NoError(t, b.Publish(context.Background(), e))
	require.NoError(t, b.Publish(context.Background(), e))

	require.Len(t, conn.channels, 2, "publish channel is reused")
	pub := conn.channels[1].published
	require.Len(t, pub, 2)
	assert.Equal(t, "guard", pub[0].exchange)
	assert.Equal(t, "risk.danger.0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", pub[0].key)
	assert.Equal(t, amqp.Persistent, pub[0].msg.DeliveryMode)
	assert.Equal(t, "application/json", pub[0].msg.ContentType)
	assert.Equal(t, e.ID, pub[0].msg.MessageId)

	var got risk.Event
	require.NoError(t, json.Unmarshal(pub[0].msg.Body, &got))
	assert.Equal(t, e.Allowance, got.Allowance)
	assert.Equal(t, risk.LevelDanger, got.Risk.Level)
}

func TestPublish_ReopensAfterFailure(t *testing.T) {
	failing := true
	conn := &fakeConn{}
	conn.next = func() *fakeChannel {
		ch := &fakeChannel{}
		if failing && len(conn.channels) == 1 {
			ch.publishErr = errors.New("channel closed")
		}
		return ch
	}
	b, err := New("", conn.open, logging.Discard())
	require.NoError(t, err)

	assert.Error(t, b.Publish(context.Background(), testEvent()))
	assert.True(t, conn.channels[1].closed)

	require.NoError(t, b.Publish(context.Background(), testEvent()))
	require.Len(t, conn.channels, 3)
	assert.Len(t, conn.channels[2].published, 1)
}

func TestPublish_CancelledContext(t *testing.T) {
	conn := &fakeConn{}
	b, err := New("", conn.open, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, testEvent()), context.Canceled)
}

func TestRoutingKey(t *testing.T) {
	e := testEvent()
	e.Risk.Level = risk.LevelWarning
	assert.Equal(t, "risk.warning."+e.Owner, RoutingKey(e))
}

func TestClose(t *testing.T) {
	conn := &fakeConn{}
	b, err := New("", conn.open, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), testEvent()))

	require.NoError(t, b.Close())
	assert.True(t, conn.channels[1].closed)
	require.NoError(t, b.Close())
}

func TestPing(t *testing.T) {
	conn := &fakeConn{}
	b, err := New("", conn.open, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, b.Ping(context.Background()))

	conn.openErr = errors.New("down")
	assert.Error(t, b.Ping(context.Background()))
}
