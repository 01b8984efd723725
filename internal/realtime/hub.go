// Package realtime pushes risk events to live WebSocket subscribers.
//
// Every connection is bound to exactly one owner when it registers and
// only ever receives that owner's events. Registration, removal and
// publishing are synchronous: a connection registered before Publish is
// called receives the event, and once Unsubscribe returns the connection
// receives nothing more.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/telanks/wallet-guard/internal/metrics"
	"github.com/telanks/wallet-guard/internal/risk"
	"github.com/telanks/wallet-guard/internal/syncutil"
	"github.com/telanks/wallet-guard/internal/validation"
)

var (
	// ErrNoOwner rejects a subscription that names no owner.
	ErrNoOwner = errors.New("realtime: subscription requires an owner")

	// ErrHubClosed rejects subscriptions after shutdown.
	ErrHubClosed = errors.New("realtime: hub closed")
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the default cap on concurrent WebSocket connections.
const MaxClients = 10000

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn is a registered delivery target. Send must not block; it reports
// false when the message could not be queued.
type Conn interface {
	Send(msg []byte) bool
}

// Hooks observe the first subscriber arriving for an owner and the last
// one leaving. Calls for the same owner are serialized.
type Hooks struct {
	OnActive func(owner string)
	OnIdle   func(owner string)
}

// Hub is the owner-scoped registry of live connections.
type Hub struct {
	mu         sync.RWMutex
	owners     map[string]map[Conn]struct{}
	clients    int
	closed     bool
	done       chan struct{}
	closeOnce  sync.Once
	maxClients int
	transition syncutil.ShardedMutex
	hooks      Hooks
	logger     *slog.Logger

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates an empty hub. maxClients <= 0 uses MaxClients.
func NewHub(logger *slog.Logger, maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = MaxClients
	}
	return &Hub{
		owners:     make(map[string]map[Conn]struct{}),
		done:       make(chan struct{}),
		maxClients: maxClients,
		logger:     logger.With("component", "realtime"),
	}
}

// SetHooks installs lifecycle hooks. Call before serving connections.
func (h *Hub) SetHooks(hooks Hooks) {
	h.hooks = hooks
}

func normalizeOwner(owner string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", ErrNoOwner
	}
	return validation.NormalizeAddress(owner)
}

// Subscribe registers conn for owner's events.
func (h *Hub) Subscribe(owner string, conn Conn) error {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return err
	}

	unlock := h.transition.Lock(owner)
	defer unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	set, ok := h.owners[owner]
	if !ok {
		set = make(map[Conn]struct{})
		h.owners[owner] = set
	}
	_, dup := set[conn]
	if !dup {
		set[conn] = struct{}{}
		h.clients++
	}
	first := !ok
	n := h.clients
	h.mu.Unlock()

	if !dup {
		h.totalClients.Add(1)
		if int64(n) > h.peakClients.Load() {
			h.peakClients.Store(int64(n))
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(n))

	if first && h.hooks.OnActive != nil {
		h.hooks.OnActive(owner)
	}
	return nil
}

// Unsubscribe removes conn from owner. Removing an unknown connection is
// a no-op.
func (h *Hub) Unsubscribe(owner string, conn Conn) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return
	}

	unlock := h.transition.Lock(owner)
	defer unlock()

	h.mu.Lock()
	set, ok := h.owners[owner]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := set[conn]; !present {
		h.mu.Unlock()
		return
	}
	delete(set, conn)
	h.clients--
	idle := len(set) == 0
	if idle {
		delete(h.owners, owner)
	}
	n := h.clients
	closed := h.closed
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))

	if idle && !closed && h.hooks.OnIdle != nil {
		h.hooks.OnIdle(owner)
	}
}

// Publish delivers event to every connection registered for owner and
// returns how many accepted it. With no subscribers the event is dropped.
func (h *Hub) Publish(owner string, event *risk.Event) int {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return 0
	}
	h.totalEvents.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.owners[owner]
	if len(set) == 0 {
		metrics.HubDeliveries.WithLabelValues("no_subscribers").Inc()
		return 0
	}

	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode risk event", "owner", owner, "error", err)
		return 0
	}

	delivered := 0
	for conn := range set {
		if conn.Send(msg) {
			delivered++
			metrics.HubDeliveries.WithLabelValues("delivered").Inc()
		} else {
			metrics.HubDeliveries.WithLabelValues("skipped").Inc()
			h.logger.Warn("skipping undeliverable connection", "owner", owner)
		}
	}
	return delivered
}

// Subscribers returns how many connections are registered for owner.
func (h *Hub) Subscribers(owner string) int {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[owner])
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.clients,
		"owners":           len(h.owners),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// Run blocks until ctx is cancelled and then closes the hub.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()
	h.Close()
}

// Close disconnects every client and rejects new subscriptions. Idle
// hooks do not fire for connections dropped here.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.logger.Info("realtime hub shutting down, closing client connections")
		h.mu.Lock()
		h.closed = true
		var clients []*Client
		for _, set := range h.owners {
			for conn := range set {
				if c, ok := conn.(*Client); ok {
					clients = append(clients, c)
				}
			}
		}
		h.owners = make(map[string]map[Conn]struct{})
		h.clients = 0
		h.mu.Unlock()
		close(h.done)

		for _, c := range clients {
			c.close()
		}
		metrics.ActiveWebSocketClients.Set(0)
		h.logger.Info("realtime hub stopped")
	})
}

// HandleWebSocket upgrades GET /ws?owner=0x... to a push channel for that
// owner. Requests without a valid owner are rejected before the upgrade.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	owner, err := normalizeOwner(r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, "a valid owner query parameter is required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	n := h.clients
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		owner: owner,
		send:  make(chan []byte, sendBuffer),
	}
	if err := h.Subscribe(owner, client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.logger.Info("client connected", "owner", owner)

	go client.writePump()
	go client.readPump()
}

// Client is a WebSocket connection bound to one owner.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	owner string
	send  chan []byte

	mu     sync.Mutex
	closed bool
}

// Send queues msg without blocking.
func (c *Client) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send) // writePump sends CloseMessage on closed channel
	}
}

// readPump only services pongs and detects disconnects. Inbound messages
// are ignored; the owner is fixed at connect time.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.owner, c)
		c.close()
		_ = c.conn.Close()
		c.hub.logger.Info("client disconnected", "owner", c.owner)
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "owner", c.owner, "error", err)
			}
			return
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "owner", c.owner, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
