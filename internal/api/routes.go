package api

import (
	"github.com/dennisdiepolder/monti/queueengine/internal/auth"
	"github.com/go-chi/chi/v5"
)

// Routes groups the HTTP handlers of the engine
type Routes struct {
	Conversations *ConversationHandler
	Agents        *AgentHandler
	Intents       *IntentHandler
	Dashboard     *DashboardHandler
	Auth          *auth.Authenticator
}

// Internal mounts the service-to-service endpoints under /internal. They
// are reachable only from the internal network and carry no user auth.
func (rt Routes) Internal(r chi.Router) {
	r.Post("/conversations/queue", rt.Conversations.HandleQueue)
	r.Post("/conversations/{conversationId}/closed", rt.Conversations.HandleClosed)

	r.Put("/agents/{agentId}", rt.Agents.HandleRegister)
	r.Post("/agents/{agentId}/status", rt.Agents.HandleStatus)
	r.Post("/agents/{agentId}/slot-freed", rt.Agents.HandleSlotFreed)

	r.Get("/intents/pending", rt.Intents.HandlePending)
	r.Post("/intents/{intentId}/sent", rt.Intents.HandleSent)
	r.Post("/intents/{intentId}/failed", rt.Intents.HandleFailed)
}

// API mounts the JWT protected dashboard endpoints under /api
func (rt Routes) API(r chi.Router) {
	r.Use(rt.Auth.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor, auth.RoleViewer))
		r.Get("/queues/{departmentId}", rt.Dashboard.HandleQueue)
		r.Get("/agents/capacity", rt.Agents.HandleCapacity)
		r.Get("/rules", rt.Dashboard.HandleRules)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin))
		r.Put("/rules/{departmentId}", rt.Dashboard.HandlePutRule)
	})
}
