// Package websocket streams batch progress to browser and CLI clients.
package websocket

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/openmusicplayer/mediafetch/internal/download"
)

const (
	MessageSnapshot = "snapshot"
	MessageProgress = "progress"
)

// allBatches keys clients that follow every batch.
const allBatches = ""

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	// Registered clients by followed batch id
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ProgressMessage
	done       chan struct{}

	mu sync.RWMutex
}

// ProgressMessage is one update sent to clients.
type ProgressMessage struct {
	Type    string                     `json:"type"`
	BatchID string                     `json:"batch_id,omitempty"`
	Job     *download.JobSnapshot      `json:"job,omitempty"`
	Batch   *download.ProgressSnapshot `json:"batch,omitempty"`
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ProgressMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. Every client is disconnected when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
				delete(h.clients, key)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.batchID] == nil {
				h.clients[client.batchID] = make(map[*Client]bool)
			}
			h.clients[client.batchID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			h.mu.Lock()
			h.deliverLocked(h.clients[message.BatchID], payload)
			if message.BatchID != allBatches {
				h.deliverLocked(h.clients[allBatches], payload)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) deliverLocked(clients map[*Client]bool, payload []byte) {
	for client := range clients {
		select {
		case client.send <- payload:
		default:
			// Client's buffer is full, close the connection
			h.removeLocked(client)
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.batchID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.send)
		if len(clients) == 0 {
			delete(h.clients, client.batchID)
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues msg for every client following its batch.
func (h *Hub) Broadcast(ctx context.Context, msg *ProgressMessage) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
	case <-h.done:
	}
}

// ClientCount returns the number of clients following a batch.
func (h *Hub) ClientCount(batchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[batchID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
