// README: Agent handlers for registration, availability and the accept/start/deliver flow.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/order"
)

type AgentHandler struct {
	order *order.Service
	agent *agent.Service
}

func NewAgentHandler(orderSvc *order.Service, agentSvc *agent.Service) *AgentHandler {
	return &AgentHandler{order: orderSvc, agent: agentSvc}
}

type registerReq struct {
	Capacity    int    `json:"capacity"`
	DeviceToken string `json:"device_token"`
}

// Register records the caller as a delivery agent.
func (h *AgentHandler) Register(c *gin.Context) {
	var req registerReq
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.agent.Register(c.Request.Context(), agent.RegisterCommand{
		ID:          callerID(c),
		Role:        agent.RoleDelivery,
		Capacity:    req.Capacity,
		DeviceToken: req.DeviceToken,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

type availabilityReq struct {
	Online bool `json:"online"`
}

func (h *AgentHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.agent.SetOnline(c.Request.Context(), callerID(c), req.Online); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": req.Online})
}

// ActiveOrders lists the caller's assigned, accepted and in-flight orders.
func (h *AgentHandler) ActiveOrders(c *gin.Context) {
	orders, err := h.order.ActiveOrdersByAgent(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": orders})
}

type versionReq struct {
	Version int64 `json:"version"`
}

func (h *AgentHandler) Accept(c *gin.Context) {
	h.agentAction(c, h.order.Accept)
}

func (h *AgentHandler) Start(c *gin.Context) {
	h.agentAction(c, h.order.Start)
}

func (h *AgentHandler) Deliver(c *gin.Context) {
	h.agentAction(c, h.order.Deliver)
}

func (h *AgentHandler) agentAction(c *gin.Context, action func(ctx context.Context, cmd order.AgentCommand) (*order.Order, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req versionReq
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	o, err := action(c.Request.Context(), order.AgentCommand{
		OrderID:         id,
		AgentID:         callerID(c),
		ExpectedVersion: req.Version,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}
