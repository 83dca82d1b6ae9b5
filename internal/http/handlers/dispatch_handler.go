// README: Dispatch handlers: manual match, candidate preview and sweep.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/matching"
)

type DispatchHandler struct {
	matching *matching.Service
}

func NewDispatchHandler(svc *matching.Service) *DispatchHandler {
	return &DispatchHandler{matching: svc}
}

func (h *DispatchHandler) Dispatch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.matching.Match(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *DispatchHandler) Candidates(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cands, err := h.matching.Candidates(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"candidates": cands})
}

func (h *DispatchHandler) Sweep(c *gin.Context) {
	report, err := h.matching.DispatchPending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}
