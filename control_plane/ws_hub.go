package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/control_plane/store"
)

const maxWSConnections = 200

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API already enforces auth; dashboards connect cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub pushes the recent event stream to connected dashboards. A single
// broadcaster goroutine polls the store; per-client tickers would multiply
// store load with the client count.
type EventHub struct {
	store      store.Store
	log        zerolog.Logger
	interval   time.Duration
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	lastPush time.Time
}

// NewEventHub builds a hub broadcasting at the given interval.
func NewEventHub(s store.Store, interval time.Duration, log zerolog.Logger) *EventHub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &EventHub{
		store:      s,
		log:        log.With().Str("component", "ws_hub").Logger(),
		interval:   interval,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives registration and the broadcast ticker until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.lastPush = time.Now()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected, hub full")
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

// broadcast pushes events logged since the previous push to every client.
func (h *EventHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	idle := len(h.clients) == 0
	h.mu.RUnlock()
	if idle {
		h.lastPush = time.Now()
		return
	}

	window := time.Since(h.lastPush) + time.Second
	events, err := h.store.RecentEvents(ctx, window, store.EventInfo)
	if err != nil {
		h.log.Warn().Err(err).Msg("event fetch for broadcast failed")
		return
	}
	h.lastPush = time.Now()
	if len(events) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(events); err != nil {
			h.log.Debug().Err(err).Msg("websocket write failed")
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// HandleWS upgrades the connection and parks it on the hub. The read pump
// only watches for close.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.Register(conn)

	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Register adds a client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
