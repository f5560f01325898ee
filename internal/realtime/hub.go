// Package realtime pushes per-user events, mostly notifications, to open
// WebSocket connections.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/watchmarket/internal/metrics"
)

const (
	// MaxClients caps concurrent connections per hub.
	MaxClients = 10000

	sendBuffer   = 64
	readLimit    = 4 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var (
	errHubClosed = errors.New("realtime: hub closed")
	errHubFull   = errors.New("realtime: too many connections")
)

type EventType string

const EventNotification EventType = "notification"

// Event is addressed to one user. Admin connections opened as watchers see
// every user's events.
type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Filter is sent by clients as a JSON text frame to narrow what they get.
// Empty fields match everything; events without a kind always pass Kinds.
type Filter struct {
	Types []EventType `json:"types"`
	Kinds []string    `json:"kinds"`
}

func (f Filter) match(e *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return e.Kind == "" || len(f.Kinds) == 0 || slices.Contains(f.Kinds, e.Kind)
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	watcher bool

	mu     sync.Mutex
	filter Filter
}

func (c *client) wants(e *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.match(e)
}

// Stats is reported on /v1/info.
type Stats struct {
	Connected int   `json:"connectedClients"`
	Peak      int   `json:"peakClients"`
	Accepted  int64 `json:"totalClients"`
	Published int64 `json:"totalEvents"`
	Dropped   int64 `json:"droppedClients"`
}

// Hub tracks connections by user. Publish fans out on the caller's goroutine;
// a connection whose buffer is full is disconnected rather than waited on.
type Hub struct {
	logger *slog.Logger
	limit  int

	mu       sync.RWMutex
	users    map[string]map[*client]struct{}
	watchers map[*client]struct{}
	count    int
	peak     int
	closed   bool

	accepted  atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		limit:    MaxClients,
		users:    make(map[string]map[*client]struct{}),
		watchers: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects everyone and refuses new
// connections.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for c := range h.watchers {
		close(c.send)
	}
	for _, set := range h.users {
		for c := range set {
			close(c.send)
		}
	}
	h.users = make(map[string]map[*client]struct{})
	h.watchers = make(map[*client]struct{})
	h.count = 0
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// Publish delivers e to the addressed user's connections and to watchers.
// It never blocks.
func (h *Hub) Publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", e.Type, "error", err)
		return
	}
	h.published.Add(1)

	var slow []*client
	h.mu.RLock()
	offer := func(c *client) {
		if !c.wants(e) {
			return
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for c := range h.users[e.UserID] {
		offer(c)
	}
	for c := range h.watchers {
		offer(c)
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow realtime client", "user", c.userID)
		h.dropped.Add(1)
		h.remove(c)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connected: h.count,
		Peak:      h.peak,
		Accepted:  h.accepted.Load(),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *Hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return errHubClosed
	case h.count >= h.limit:
		return errHubFull
	}
	if c.watcher {
		h.watchers[c] = struct{}{}
	} else {
		set := h.users[c.userID]
		if set == nil {
			set = make(map[*client]struct{})
			h.users[c.userID] = set
		}
		set[c] = struct{}{}
	}
	h.count++
	h.peak = max(h.peak, h.count)
	h.accepted.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(h.count))
	return nil
}

// remove is safe to call more than once for the same client.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.watcher {
		if _, ok := h.watchers[c]; !ok {
			return
		}
		delete(h.watchers, c)
	} else {
		set := h.users[c.userID]
		if _, ok := set[c]; !ok {
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	close(c.send)
	h.count--
	metrics.ActiveWebSocketClients.Set(float64(h.count))
}

func (h *Hub) accepting() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errHubClosed
	}
	if h.count >= h.limit {
		return errHubFull
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHost,
}

// sameHost admits non-browser clients (no Origin) and pages served from the
// API's own host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// HandleWebSocket upgrades the request and streams userID's events. A
// watcher connection receives every user's events.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string, watcher bool) {
	if err := h.accepting(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		userID:  userID,
		watcher: watcher,
	}
	if err := h.add(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug("realtime client connected", "user", userID, "watcher", watcher)

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies filter updates and keeps the read deadline fresh.
func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "user", c.userID, "error", err)
			}
			return
		}
		var f Filter
		if json.Unmarshal(msg, &f) != nil {
			continue
		}
		c.mu.Lock()
		c.filter = f
		c.mu.Unlock()
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
