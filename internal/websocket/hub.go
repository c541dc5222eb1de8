package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

// FeedMessage is the envelope broadcast to supervisor dashboards
type FeedMessage struct {
	Type      string    `json:"type"` // "intent" or "assignment"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub maintains the set of dashboard clients and broadcasts engine output
// to all of them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan []byte

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	stopped chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger.With().Str("component", "dashboard-hub").Logger(),
		metrics:    m,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.RecordWebSocketDisconnect()
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.broadcastRaw(message)
		}
	}
}

// Broadcast queues a message for all connected clients. When the queue is
// full the message is dropped so publishers never block on dashboards.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.metrics.RecordWebSocketError()
		h.logger.Warn().Msg("broadcast queue full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastRaw sends a message to all clients
func (h *Hub) broadcastRaw(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// Client's send buffer is full, close and remove it
			close(client.send)
			delete(h.clients, client)
			h.metrics.RecordWebSocketDisconnect()
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}

func (h *Hub) publish(kind string, data any) error {
	message, err := json.Marshal(FeedMessage{Type: kind, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return err
	}
	h.Broadcast(message)
	return nil
}

// PublishIntent forwards a notification intent to the dashboards
func (h *Hub) PublishIntent(_ context.Context, intent *types.NotificationIntent) error {
	return h.publish("intent", intent)
}

// PublishAssignment forwards an assignment to the dashboards
func (h *Hub) PublishAssignment(_ context.Context, result types.AssignmentResult) error {
	return h.publish("assignment", result)
}
