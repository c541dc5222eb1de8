package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

// StatusSetter applies agent status changes
type StatusSetter interface {
	SetStatus(ctx context.Context, agentID string, status types.AgentStatus, reason string) (*types.AgentAvailability, error)
}

// SlotReleaser handles an agent finishing a conversation
type SlotReleaser interface {
	ReleaseAssignment(ctx context.Context, agentID, conversationID string) (*types.AgentAvailability, error)
}

// AgentHub maintains the set of active agent WebSocket connections. It pushes
// assignments to the assigned agent and feeds status and slot messages from
// agents back into the engine.
type AgentHub struct {
	// Registered agent clients
	agents map[string]*AgentClient // agentID -> client

	// Register requests from agent clients
	register chan *AgentClient

	// Unregister requests from agent clients
	unregister chan *AgentClient

	// Status messages from agents
	status chan *types.AgentStatusMessage

	// Slot freed messages from agents
	slotFreed chan *types.SlotFreedMessage

	// Closed when Run returns so pumps never block on a stopped hub
	stopped chan struct{}

	// Mutex to protect agents map
	mu sync.RWMutex

	logger  zerolog.Logger
	metrics *metrics.Metrics

	statuses StatusSetter
	slots    SlotReleaser
}

// NewAgentHub creates a new AgentHub
func NewAgentHub(statuses StatusSetter, slots SlotReleaser, m *metrics.Metrics, logger zerolog.Logger) *AgentHub {
	return &AgentHub{
		agents:     make(map[string]*AgentClient),
		register:   make(chan *AgentClient),
		unregister: make(chan *AgentClient),
		status:     make(chan *types.AgentStatusMessage, 500),
		slotFreed:  make(chan *types.SlotFreedMessage, 500),
		stopped:    make(chan struct{}),
		logger:     logger.With().Str("component", "agent-hub").Logger(),
		metrics:    m,
		statuses:   statuses,
		slots:      slots,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *AgentHub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			// Remove existing client with same agentID if any
			if existing, ok := h.agents[client.agentID]; ok {
				existing.Close()
			}
			h.agents[client.agentID] = client
			total := len(h.agents)
			h.mu.Unlock()

			h.metrics.RecordWebSocketConnect()
			h.logger.Debug().
				Str("agent_id", client.agentID).
				Int("total_agents", total).
				Msg("agent connected")

			ack := types.ServerAck{Type: "ack", AgentID: client.agentID}
			if data, err := json.Marshal(ack); err == nil {
				client.safeSend(data)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.agents[client.agentID]; ok && existing == client {
				delete(h.agents, client.agentID)
				h.metrics.RecordWebSocketDisconnect()
				h.logger.Debug().
					Str("agent_id", client.agentID).
					Int("total_agents", len(h.agents)).
					Msg("agent disconnected")
			}
			client.Close()
			h.mu.Unlock()

		case msg := <-h.status:
			if _, err := h.statuses.SetStatus(ctx, msg.AgentID, msg.Status, msg.Reason); err != nil {
				h.reject(msg.AgentID, err)
			}

		case msg := <-h.slotFreed:
			if _, err := h.slots.ReleaseAssignment(ctx, msg.AgentID, msg.ConversationID); err != nil {
				h.reject(msg.AgentID, err)
			}
		}
	}
}

func (h *AgentHub) reject(agentID string, err error) {
	h.metrics.RecordWebSocketError()
	h.logger.Warn().Err(err).Str("agent_id", agentID).Msg("agent message rejected")

	data, mErr := json.Marshal(types.ErrorMessage{Type: "error", Message: err.Error()})
	if mErr != nil {
		return
	}
	h.SendToAgent(agentID, data)
}

func (h *AgentHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.agents {
		client.Close()
		delete(h.agents, id)
	}
}

// AgentCount returns the number of connected agents
func (h *AgentHub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// SendToAgent sends a message to a specific agent
func (h *AgentHub) SendToAgent(agentID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.agents[agentID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	return client.safeSend(message)
}

// PublishAssignment pushes the assignment to the agent's connection. An
// agent without a connection still gets the assignment through the other
// publishers, so a miss is only logged.
func (h *AgentHub) PublishAssignment(_ context.Context, result types.AssignmentResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if !h.SendToAgent(result.AgentID, data) {
		h.logger.Debug().
			Str("agent_id", result.AgentID).
			Str("conversation_id", result.ConversationID).
			Msg("agent not connected, assignment not pushed")
	}
	return nil
}

// PublishIntent is a no-op. Customer notifications are not agent traffic.
func (h *AgentHub) PublishIntent(context.Context, *types.NotificationIntent) error {
	return nil
}
