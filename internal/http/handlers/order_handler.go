// README: Order handlers for create, read, cancel, admin override and audit trail.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p pointReq) point() types.Point {
	return types.Point{Lat: p.Lat, Lng: p.Lng}
}

type createOrderReq struct {
	CustomerID   string   `json:"customer_id"`
	ShopID       string   `json:"shop_id"`
	Dropoff      pointReq `json:"dropoff"`
	Amount       int64    `json:"amount"`
	Currency     string   `json:"currency"`
	DeliveryType string   `json:"delivery_type"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if !bindJSON(c, &req) {
		return
	}
	customer := callerID(c)
	if isAdmin(c) && req.CustomerID != "" {
		customer = types.ID(req.CustomerID)
	} else if req.CustomerID != "" && types.ID(req.CustomerID) != customer {
		writeMessage(c, http.StatusForbidden, "forbidden: customer_id does not match authenticated user")
		return
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		CustomerID:   customer,
		ShopID:       types.ID(req.ShopID),
		Dropoff:      req.Dropoff.point(),
		Amount:       types.NewMoney(req.Amount, req.Currency),
		DeliveryType: req.DeliveryType,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, o)
}

// Get returns the authoritative order state; clients use it to resync.
func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canView(c, o) {
		writeMessage(c, http.StatusForbidden, "forbidden: not a party to this order")
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) ListUnassigned(c *gin.Context) {
	limit, ok := queryInt(c, "limit", order.DefaultListLimit)
	if !ok {
		return
	}
	orders, err := h.order.ListUnassigned(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": orders})
}

type cancelReq struct {
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID:         id,
		Actor:           callerActor(c),
		Reason:          req.Reason,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type overrideReq struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

func (h *OrderHandler) Override(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req overrideReq
	if !bindJSON(c, &req) {
		return
	}
	status, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	cmd := order.OverrideCommand{
		OrderID:         id,
		Status:          status,
		Reason:          req.Reason,
		ExpectedVersion: req.Version,
		Actor:           callerActor(c),
	}
	if req.AgentID != "" {
		agentID := types.ID(req.AgentID)
		cmd.AgentID = &agentID
	}
	o, err := h.order.AdminOverrideStatus(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Events(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canView(c, o) {
		writeMessage(c, http.StatusForbidden, "forbidden: not a party to this order")
		return
	}
	events, err := h.order.Events(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

func canView(c *gin.Context, o *order.Order) bool {
	if isAdmin(c) {
		return true
	}
	uid := callerID(c)
	return o.CustomerID == uid || o.AssignedTo(uid)
}
