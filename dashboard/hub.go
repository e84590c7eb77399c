package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseboard/pulseboard/dashboard/notify"
	"github.com/pulseboard/pulseboard/dashboard/observability"
)

// Hub manages dashboard websocket clients and rebroadcasts state changes.
// Single broadcaster pattern: one subscription on the notifier feeds all
// clients, so N clients never cost N subscriptions.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	changes    chan notify.StateChange
	maxClients int
	mu         sync.RWMutex
}

// NewHub creates a hub fed by the given broadcaster.
func NewHub(b *notify.Broadcaster, maxClients int) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		changes:    make(chan notify.StateChange, 256),
		maxClients: maxClients,
	}

	// Listeners must not block the publisher; overflow is shed because a
	// browser can always re-pull a fresh snapshot.
	b.Subscribe(func(change notify.StateChange) {
		select {
		case h.changes <- change:
		default:
		}
	})

	return h
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("Hub: connection rejected, max clients (%d) reached", h.maxClients)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.HubClients.Set(float64(total))
			log.Printf("Hub: client registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.HubClients.Set(float64(total))
			log.Printf("Hub: client unregistered. Total: %d", total)

		case change := <-h.changes:
			h.broadcast(change)
		}
	}
}

func (h *Hub) broadcast(change notify.StateChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		// Write deadline prevents blocking on dead connections.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(change); err != nil {
			log.Printf("Hub: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Hub: shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
