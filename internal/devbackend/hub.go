package devbackend

import (
	"context"
	"errors"
	"sync"

	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSocket = errors.New("socket not connected")
	ErrSlowSocket    = errors.New("socket send buffer full")
)

// Hub tracks connected push clients by the socket id handed out in their
// welcome message.
type Hub struct {
	clients    map[*Client]bool
	bySocket   map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		bySocket:   make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// Register reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.bySocket[client.socketID] = client
	// queued only once the socket id can be scheduled against
	client.send <- &channel.Frame{
		Type:     channel.MessageTypeWelcome,
		SocketID: client.socketID,
	}

	log.Info().
		Str("socketId", client.socketID).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	delete(h.bySocket, client.socketID)
	close(client.send)

	log.Info().
		Str("socketId", client.socketID).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		delete(h.clients, client)
		delete(h.bySocket, client.socketID)
		close(client.send)
	}
}

func (h *Hub) Connected(socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bySocket[socketID]
	return ok
}

// Send queues a frame for one socket without blocking.
func (h *Hub) Send(socketID string, frame *channel.Frame) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.bySocket[socketID]
	if !ok {
		return ErrUnknownSocket
	}

	select {
	case client.send <- frame:
		return nil
	default:
		log.Warn().Str("socketId", socketID).Msg("[WS] Client send buffer full, dropping frame")
		return ErrSlowSocket
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
