package events

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultPingInterval keeps idle connections and NAT mappings alive.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteWait bounds a single websocket write.
	DefaultWriteWait = 10 * time.Second

	// pongWait must exceed the ping interval.
	pongWait = 60 * time.Second

	maxReadSize = 64 * 1024
)

// HubOptions configures a Hub.
type HubOptions struct {
	// Addr is the listen address for StartAsync, e.g. "127.0.0.1:7071".
	Addr string

	PingInterval time.Duration
	WriteWait    time.Duration

	// Mount adds routes served on the same listener, keyed by pattern.
	Mount map[string]http.Handler

	Logger *zap.Logger
}

// Hub serves the Bus over websocket at /events.
//
// A client connecting to /events first receives the recent-event ring
// (oldest first) and then live events. The optional ?session=<name> query
// parameter limits both to one session.
type Hub struct {
	bus      *Bus
	opts     HubOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*client]bool
	stopped    bool
	httpServer *http.Server
	listenAddr string
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	session string

	events <-chan Event
	cancel func()

	done     chan struct{}
	doneOnce sync.Once
}

// NewHub creates a Hub. Call StartAsync to listen, or mount Handler.
func NewHub(bus *Bus, opts HubOptions) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:    bus,
		opts:   opts,
		logger: logger.With(zap.String("component", "events-hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     LocalOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]bool),
	}
}

// Handler returns the HTTP routes served by the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.bus.Stats())
	})
	for pattern, handler := range h.opts.Mount {
		mux.Handle(pattern, handler)
	}
	return mux
}

// StartAsync starts listening in a goroutine. The returned channel receives
// nil once the listener is bound, or the bind error.
func (h *Hub) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Listen first so port conflicts are reported synchronously.
	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", h.opts.Addr, err)
		close(errCh)
		return errCh
	}

	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.mu.Lock()
	h.httpServer = srv
	h.listenAddr = ln.Addr().String()
	h.mu.Unlock()

	go func() {
		h.logger.Info("events hub listening", zap.String("addr", ln.Addr().String()))
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("events hub stopped", zap.Error(err))
		}
	}()
	return errCh
}

// Addr returns the bound address after StartAsync.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listenAddr
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and closes the listener.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]bool)
	srv := h.httpServer
	h.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	}
	if !LocalHost(r) {
		http.Error(w, "Forbidden: unexpected Host header", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// Subscribe before snapshotting the ring so nothing falls between the two.
	events, cancel := h.bus.Subscribe()
	c := &client{
		hub:     h,
		conn:    conn,
		session: r.URL.Query().Get("session"),
		events:  events,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	replay := h.bus.Recent()

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", zap.Int("clients", count), zap.String("session_filter", c.session))

	go c.writePump(replay)
	go c.readPump()
}

func (c *client) close() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *client) wants(e Event) bool {
	return c.session == "" || e.SessionName == c.session
}

// writePump sends the replay, then live events, with periodic pings.
func (c *client) writePump(replay []Event) {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	seen := make(map[string]bool, len(replay))
	for _, e := range replay {
		if !c.wants(e) {
			continue
		}
		seen[e.ID] = true
		if err := c.write(e); err != nil {
			return
		}
	}

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case e, ok := <-c.events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(e) || seen[e.ID] {
				continue
			}
			if err := c.write(e); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		c.hub.logger.Warn("marshal event", zap.Error(err))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.hub.logger.Debug("write error", zap.Error(err))
		return err
	}
	return nil
}

// readPump only exists to notice disconnects and answer pongs; clients
// never send commands on this socket.
func (c *client) readPump() {
	defer func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		remaining := len(c.hub.clients)
		c.hub.mu.Unlock()
		c.close()
		c.hub.logger.Info("client disconnected", zap.Int("clients", remaining))
	}()

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read error", zap.Error(err))
			}
			return
		}
	}
}
