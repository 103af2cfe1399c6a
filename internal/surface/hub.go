package surface

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 64 * 1024
)

// Hub is the WebSocket endpoint for presentation surfaces. A connection
// opened with ?tab=<id> receives only that tab's events; one opened without
// a tab receives every event.
type Hub struct {
	cfg        config.SurfaceConfig
	dispatcher *Dispatcher
	tabs       TabTracker
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	closed bool
}

type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu    sync.RWMutex
	tabID string
}

func NewHub(cfg config.SurfaceConfig, dispatcher *Dispatcher, tracker TabTracker, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingIntervalMS <= 0 {
		cfg.PingIntervalMS = 10000
	}
	h := &Hub{
		cfg:        cfg,
		dispatcher: dispatcher,
		tabs:       tracker,
		logger:     logger.With(slog.String("component", "surface")),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows same-host requests, requests without an Origin header
// (native clients) and the configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &conn{
		id:    uuid.NewString(),
		ws:    ws,
		send:  make(chan []byte, h.cfg.SendBuffer),
		done:  make(chan struct{}),
		tabID: r.URL.Query().Get("tab"),
	}
	c.logger = h.logger.With(slog.String("conn_id", c.id), slog.String("tab_id", c.tabID))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if tab := c.tab(); tab != "" && h.tabs != nil {
		h.tabs.Heartbeat(tab)
	}
	c.logger.Info("surface connected", slog.String("remote", r.RemoteAddr))

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func (c *conn) tab() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabID
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) pingInterval() time.Duration {
	return time.Duration(h.cfg.PingIntervalMS) * time.Millisecond
}

func (h *Hub) readPump(c *conn) {
	defer h.wg.Done()
	defer h.remove(c)

	pongWait := 2 * h.pingInterval()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if tab := c.tab(); tab != "" && h.tabs != nil {
			h.tabs.Heartbeat(tab)
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("surface read failed", slogError(err))
			} else {
				c.logger.Info("surface disconnected")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var intent protocol.Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			h.reply(c, badRequest("malformed intent: "+err.Error()))
			continue
		}
		h.reply(c, h.handle(c, intent))
	}
}

func (h *Hub) handle(c *conn, intent protocol.Intent) protocol.Response {
	c.mu.Lock()
	if intent.Type == protocol.IntentTabAnnounce && c.tabID == "" && intent.TabID != "" {
		// the surface learned its tab after connecting
		c.tabID = intent.TabID
	}
	if intent.TabID == "" {
		intent.TabID = c.tabID
	}
	c.mu.Unlock()

	if intent.TabID != "" && h.tabs != nil {
		h.tabs.Heartbeat(intent.TabID)
	}
	return h.dispatcher.Handle(h.ctx, intent)
}

func (h *Hub) reply(c *conn, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("failed to encode response", slogError(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("dropping response for slow surface", slog.String("request_id", resp.RequestID))
	}
}

func (h *Hub) writePump(c *conn) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("surface write failed", slogError(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("surface ping failed", slogError(err))
				return
			}
		}
	}
}

// Emit queues ev for every connection subscribed to its tab. Slow
// connections drop events rather than stall the session.
func (h *Hub) Emit(ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", slogError(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		tab := c.tab()
		if tab != "" && tab != ev.TabID {
			continue
		}
		if !c.enqueue(data) {
			c.logger.Warn("dropping event for slow surface", slog.String("type", string(ev.Type)))
		}
	}
}

// DropTab closes the connections bound to tabID without sending anything.
func (h *Hub) DropTab(tabID string) {
	h.mu.Lock()
	var dropped []*conn
	for c := range h.conns {
		if c.tab() == tabID {
			dropped = append(dropped, c)
			delete(h.conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range dropped {
		c.close()
	}
}

func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every surface and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	h.cancel()
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}
