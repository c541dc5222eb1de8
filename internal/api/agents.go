package api

import (
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/queueengine/internal/availability"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AgentHandler receives agent presence and capacity events
type AgentHandler struct {
	tracker *availability.Tracker
	queues  *queue.Manager
	logger  zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(tracker *availability.Tracker, queues *queue.Manager, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		tracker: tracker,
		queues:  queues,
		logger:  logger.With().Str("component", "agents_api").Logger(),
	}
}

// registerRequest is the JSON body for PUT /internal/agents/{agentId}
type registerRequest struct {
	Status                  types.AgentStatus `json:"status"`
	MaxConversations        int               `json:"maxConversations"`
	AvailableDepartments    []string          `json:"availableDepartments"`
	PreferredCategories     []string          `json:"preferredCategories,omitempty"`
	AutoAcceptConversations bool              `json:"autoAcceptConversations"`
	AcceptTransfers         bool              `json:"acceptTransfers"`
}

type statusRequest struct {
	Status types.AgentStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

type slotFreedRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// HandleRegister handles PUT /internal/agents/{agentId}. The store keeps the
// active conversation count across re-registration.
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Status == "" {
		req.Status = types.AgentOffline
	}

	agent := &types.AgentAvailability{
		AgentID:                 agentID,
		CurrentStatus:           req.Status,
		MaxConversations:        req.MaxConversations,
		AvailableDepartments:    req.AvailableDepartments,
		PreferredCategories:     req.PreferredCategories,
		AutoAcceptConversations: req.AutoAcceptConversations,
		AcceptTransfers:         req.AcceptTransfers,
	}

	existing, err := h.tracker.Get(r.Context(), agentID)
	switch {
	case err == nil:
		agent.LastActivityAt = existing.LastActivityAt
		if existing.CurrentStatus != agent.CurrentStatus {
			agent.PreviousStatus = existing.CurrentStatus
		} else {
			agent.LastStatusChangeAt = existing.LastStatusChangeAt
		}
	case !errors.Is(err, types.ErrUnknownAgent) && !errors.Is(err, types.ErrNotFound):
		writeError(w, h.logger, err)
		return
	}

	if err := h.tracker.Register(r.Context(), agent); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleStatus handles POST /internal/agents/{agentId}/status
func (h *AgentHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	agent, err := h.tracker.SetStatus(r.Context(), chi.URLParam(r, "agentId"), req.Status, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleSlotFreed handles POST /internal/agents/{agentId}/slot-freed. The
// body is optional; with a conversation id the release is tied to that
// assignment and happens at most once.
func (h *AgentHandler) HandleSlotFreed(w http.ResponseWriter, r *http.Request) {
	var req slotFreedRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	agent, err := h.queues.ReleaseAssignment(r.Context(), chi.URLParam(r, "agentId"), req.ConversationID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if agent == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already released"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleCapacity handles GET /api/agents/capacity
func (h *AgentHandler) HandleCapacity(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.tracker.Snapshot(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}
