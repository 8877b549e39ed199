// Package gateway serves the public ping endpoints: a JSON health ping and a
// WebSocket room that echoes every message to all connected clients.
package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/metrics"
	"github.com/auditmos/adminpanel/recorder"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

type HubConfig struct {
	Log           logging.Logger
	Metrics       *metrics.Metrics
	MaxConnsPerIP int
	MessageRate   float64
	MessageBurst  int
	SendQueue     int
	// TrustedProxies resolves the client address the connection cap is keyed on.
	TrustedProxies *recorder.ProxyTrust
}

// Hub tracks open ping sockets and fans messages out to all of them.
// Delivery order across connections is not guaranteed.
type Hub struct {
	log      logging.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	conns    *ConnLimiter
	proxies  *recorder.ProxyTrust

	msgRate   rate.Limit
	msgBurst  int
	sendQueue int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	ip      string
	limiter *rate.Limiter
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Log
	if log == nil {
		log = logging.NopLogger{}
	}
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = 5
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 10
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 20
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 16
	}
	return &Hub{
		log:     log,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:     NewConnLimiter(cfg.MaxConnsPerIP),
		proxies:   cfg.TrustedProxies,
		msgRate:   rate.Limit(cfg.MessageRate),
		msgBurst:  cfg.MessageBurst,
		sendQueue: cfg.SendQueue,
		clients:   make(map[*client]struct{}),
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := h.proxies.ClientIP(r)
	log := h.log.WithFields(logging.Fields{"path": r.URL.Path, "client": ip})

	if !h.conns.Acquire(ip) {
		log.Warn("gateway", "connect", "Connection limit exceeded")
		writeConnectionLimitExceeded(w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.conns.Release(ip)
		log.WithError(err).Warn("gateway", "connect", "WebSocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, h.sendQueue),
		ip:      ip,
		limiter: rate.NewLimiter(h.msgRate, h.msgBurst),
	}
	h.register(c)
	log.Info("gateway", "connect", "Client connected")

	go h.writePump(c)
	h.readPump(c, log)
}

func (h *Hub) register(c *client) {
	connected, _ := json.Marshal(map[string]string{"message": "connected"})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	c.send <- connected
	h.mu.Unlock()

	h.metrics.WSConnected()
}

// unregister is safe to call more than once for the same client.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		h.conns.Release(c.ip)
		h.metrics.WSDisconnected()
	}
}

func (h *Hub) readPump(c *client, log logging.Logger) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("gateway", "receive", "Connection closed unexpectedly")
			} else {
				log.Info("gateway", "disconnect", "Client disconnected")
			}
			return
		}

		if !c.limiter.Allow() {
			h.metrics.WSDropped("rate_limit")
			log.Warn("gateway", "receive", "Message rate exceeded, dropping message")
			continue
		}

		var content map[string]json.RawMessage
		if err := json.Unmarshal(data, &content); err != nil || content == nil {
			log.Warn("gateway", "receive", "Ignoring message that is not a JSON object")
			continue
		}

		keys := make([]string, 0, len(content))
		for k := range content {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		log.WithFields(logging.Fields{"payload_keys": keys}).Info("gateway", "receive", "PingHub received message")

		h.Broadcast(content)
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.unregister(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Broadcast sends {"broadcast": content} to every client. Clients whose
// send queue is full are disconnected.
func (h *Hub) Broadcast(content interface{}) {
	msg, err := json.Marshal(map[string]interface{}{"broadcast": content})
	if err != nil {
		h.log.WithError(err).Error("gateway", "broadcast", "Failed to encode broadcast")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.metrics.WSDropped("slow_consumer")
		h.log.WithFields(logging.Fields{"client": c.ip}).Warn("gateway", "broadcast", "Send queue full, dropping connection")
		h.unregister(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
