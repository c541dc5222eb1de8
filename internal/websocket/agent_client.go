package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the agent
	agentWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the agent
	agentPongWait = 30 * time.Second

	// Send pings to agent with this period (must be less than pongWait)
	agentPingPeriod = 20 * time.Second

	// Maximum message size allowed from agent
	agentMaxMessageSize = 4096
)

// AgentClient is the WebSocket connection of one agent
type AgentClient struct {
	agentID string

	// The hub this client belongs to
	hub *AgentHub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	logger zerolog.Logger

	// done channel to signal client shutdown
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once
}

// NewAgentClient creates a new AgentClient
func NewAgentClient(hub *AgentHub, conn *websocket.Conn, agentID string, logger zerolog.Logger) *AgentClient {
	return &AgentClient{
		agentID: agentID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 64),
		logger:  logger.With().Str("agent_id", agentID).Logger(),
		done:    make(chan struct{}),
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *AgentClient) readPump() {
	defer func() {
		close(c.done)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(agentMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(agentPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(agentPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("agent websocket read error")
			}
			break
		}

		c.hub.metrics.RecordWebSocketMessage()
		c.handleMessage(message)
	}
}

// handleMessage processes incoming messages from the agent. The agent id
// always comes from the connection, never from the payload.
func (c *AgentClient) handleMessage(message []byte) {
	var msgType struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msgType); err != nil {
		c.hub.metrics.RecordWebSocketError()
		c.logger.Debug().Err(err).Msg("failed to parse message type")
		return
	}

	switch msgType.Type {
	case "status":
		var msg types.AgentStatusMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.metrics.RecordWebSocketError()
			c.logger.Debug().Err(err).Msg("failed to parse status message")
			return
		}
		msg.AgentID = c.agentID
		select {
		case c.hub.status <- &msg:
		case <-c.hub.stopped:
		}

	case "slot_freed":
		var msg types.SlotFreedMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.metrics.RecordWebSocketError()
			c.logger.Debug().Err(err).Msg("failed to parse slot_freed message")
			return
		}
		msg.AgentID = c.agentID
		select {
		case c.hub.slotFreed <- &msg:
		case <-c.hub.stopped:
		}

	default:
		c.logger.Debug().Str("type", msgType.Type).Msg("unknown message type")
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *AgentClient) writePump() {
	ticker := time.NewTicker(agentPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *AgentClient) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the client's send channel (idempotent)
func (c *AgentClient) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// safeSend attempts to send a message, recovering from panic if channel is closed
func (c *AgentClient) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
