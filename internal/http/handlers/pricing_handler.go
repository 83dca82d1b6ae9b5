// README: Fee quote handler.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/pricing"
)

type PricingHandler struct {
	pricing *pricing.Service
}

func NewPricingHandler(svc *pricing.Service) *PricingHandler {
	return &PricingHandler{pricing: svc}
}

// Quote prices ?distance= given in ?unit= (m, km or mi; km by default).
func (h *PricingHandler) Quote(c *gin.Context) {
	distance, err := strconv.ParseFloat(c.Query("distance"), 64)
	if err != nil {
		writeMessage(c, http.StatusBadRequest, "distance must be a number")
		return
	}
	unit, err := pricing.ParseUnit(c.Query("unit"))
	if err != nil {
		writeError(c, err)
		return
	}
	q, err := h.pricing.Quote(c.Request.Context(), distance, unit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, q)
}
