package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// agentUpgrader is the WebSocket upgrader for agent connections
var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agent desktops connect through the internal network
		return true
	},
}

// AgentHandler handles WebSocket upgrade requests from agents
type AgentHandler struct {
	hub    *AgentHub
	logger zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(hub *AgentHub, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		hub:    hub,
		logger: logger,
	}
}

// ServeHTTP upgrades a connection for the agent named by the agentId query
// parameter. One connection per agent; a reconnect replaces the old one.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}

	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.metrics.RecordWebSocketError()
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to upgrade agent connection")
		return
	}

	client := NewAgentClient(h.hub, conn, agentID, h.logger)

	select {
	case h.hub.register <- client:
	case <-h.hub.stopped:
		conn.Close()
		return
	}

	client.Start()
}
