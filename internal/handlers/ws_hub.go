package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	clientID  string
	closeOnce sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// WSHub tracks the operator's open console tabs.
type WSHub struct {
	mu      sync.Mutex
	clients map[string]*wsClient // clientID -> client
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[string]*wsClient),
	}
}

func (h *WSHub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.clients[client.clientID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.clients[client.clientID] = client
}

func (h *WSHub) Remove(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[clientID]; ok {
		client.closeSend()
		delete(h.clients, clientID)
	}
}

func (h *WSHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) SendTo(clientID string, payload []byte) bool {
	h.mu.Lock()
	client := h.clients[clientID]
	h.mu.Unlock()

	if client == nil {
		return false
	}
	if !client.trySend(payload) {
		_ = client.conn.Close()
		return false
	}
	return true
}

// Broadcast queues payload for every tab. Tabs whose buffer is full are dropped.
func (h *WSHub) Broadcast(payload []byte) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			_ = client.conn.Close()
		}
	}
}

func (h *WSHub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
		client.closeSend()
	}
}
