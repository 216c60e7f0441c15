package realtime

import (
	"sync"

	realtimeTypes "github.com/reaje/whatsapp-microservice/pkg/realtime"
)

// Hub fans envelopes out to subscribed clients. A client whose buffer is
// full is dropped rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	prev, ok := h.clients[client.ID()]
	h.clients[client.ID()] = client
	h.mu.Unlock()

	if ok && prev != client {
		prev.Close()
	}
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

// Publish returns the number of clients the envelope was queued for.
func (h *Hub) Publish(topic string, msg realtimeTypes.ServerEnvelope) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range clients {
		if !client.IsSubscribed(topic) {
			continue
		}
		if client.Queue(msg) {
			delivered++
			continue
		}
		h.Unregister(client.ID())
	}
	return delivered
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
