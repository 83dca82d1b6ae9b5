// README: Shop directory handlers; admins register pickup points, everyone may read them.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/shop"
)

type ShopHandler struct {
	shop *shop.Service
}

func NewShopHandler(svc *shop.Service) *ShopHandler {
	return &ShopHandler{shop: svc}
}

type registerShopReq struct {
	Name     string   `json:"name"`
	Pickup   pointReq `json:"pickup"`
	Inactive bool     `json:"inactive"`
}

func (h *ShopHandler) Register(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req registerShopReq
	if !bindJSON(c, &req) {
		return
	}
	sh, err := h.shop.Register(c.Request.Context(), shop.RegisterCommand{
		ID:       id,
		Name:     req.Name,
		Pickup:   req.Pickup.point(),
		Inactive: req.Inactive,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sh)
}

func (h *ShopHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sh, err := h.shop.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sh)
}
