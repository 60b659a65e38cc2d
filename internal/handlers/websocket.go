package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// WSMessage is the envelope sent to websocket monitor clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSHandler is the /ws monitor feed: a broadcast of every job and batch
// lifecycle event to any number of connected UI clients. It implements
// interfaces.EventMonitor; the per-id SSE streams stay single-subscriber,
// this feed is the firehose beside them.
type WSHandler struct {
	upgrader websocket.Upgrader
	logger   arbor.ILogger

	mu            sync.RWMutex
	clients       map[*websocket.Conn]bool
	clientMutexes map[*websocket.Conn]*sync.Mutex

	allowedEvents map[string]bool
	throttlers    map[string]*rate.Limiter
}

// NewWSHandler creates a websocket monitor handler
func NewWSHandler(cfg *common.WebSocketConfig, logger arbor.ILogger) *WSHandler {
	h := &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Auth is handled by the surrounding layer
			},
		},
		logger:        logger,
		clients:       make(map[*websocket.Conn]bool),
		clientMutexes: make(map[*websocket.Conn]*sync.Mutex),
		allowedEvents: make(map[string]bool),
		throttlers:    make(map[string]*rate.Limiter),
	}

	if cfg != nil {
		for _, event := range cfg.AllowedEvents {
			h.allowedEvents[event] = true
		}
		for event, interval := range cfg.ThrottleIntervals {
			if d, err := time.ParseDuration(interval); err == nil && d > 0 {
				h.throttlers[event] = rate.NewLimiter(rate.Every(d), 1)
			}
		}
	}

	return h
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutexes[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

	// Read loop exists only to detect disconnect; inbound messages are
	// discarded.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ObserveEvent broadcasts a lifecycle event to every connected client,
// applying the whitelist and per-type throttles.
func (h *WSHandler) ObserveEvent(event *models.Event) {
	eventType := string(event.Type)

	if len(h.allowedEvents) > 0 && !h.allowedEvents[eventType] {
		return
	}
	// Terminal events always go out; throttles only thin the chatter.
	if limiter, ok := h.throttlers[eventType]; ok && !event.Terminal {
		if !limiter.Allow() {
			return
		}
	}

	message := WSMessage{
		Type:    eventType,
		Payload: event,
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.mu.RLock()
		mu, ok := h.clientMutexes[conn]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		mu.Lock()
		err := conn.WriteJSON(message)
		mu.Unlock()
		if err != nil {
			h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping client")
			h.remove(conn)
		}
	}
}

// Close disconnects every client (shutdown path).
func (h *WSHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
		delete(h.clientMutexes, conn)
	}
}

func (h *WSHandler) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		delete(h.clientMutexes, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")
}
