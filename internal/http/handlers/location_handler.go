// README: Location handlers: agent reports, current position, nearby search and history.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

type LocationHandler struct {
	location  *location.Service
	freshness time.Duration
}

func NewLocationHandler(svc *location.Service, freshness time.Duration) *LocationHandler {
	return &LocationHandler{location: svc, freshness: freshness}
}

type locationReq struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Update stores the caller's own position. Reports older than the stored one
// are acknowledged with applied=false.
func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.location.Upsert(c.Request.Context(), location.Report{
		AgentID:        callerID(c),
		Lat:            req.Lat,
		Lng:            req.Lng,
		AccuracyMeters: req.AccuracyMeters,
		CapturedAt:     req.CapturedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// Get is open to admins and to the agent itself.
func (h *LocationHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !isAdmin(c) && callerID(c) != id {
		writeMessage(c, http.StatusForbidden, "forbidden: not your location")
		return
	}
	loc, found, err := h.location.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		writeMessage(c, http.StatusNotFound, "no location for agent "+string(id))
		return
	}
	writeJSON(c, http.StatusOK, loc)
}

// Nearby lists fresh agents around ?lat=&lng= within ?radius_km=.
func (h *LocationHandler) Nearby(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	radius, err3 := strconv.ParseFloat(c.DefaultQuery("radius_km", "5"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		writeMessage(c, http.StatusBadRequest, "lat, lng and radius_km must be numbers")
		return
	}
	found, err := h.location.Nearby(c.Request.Context(), types.Point{Lat: lat, Lng: lng}, radius, h.freshness)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"agents": found})
}

func (h *LocationHandler) Active(c *gin.Context) {
	locs, err := h.location.ListActive(c.Request.Context(), h.freshness)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"agents": locs})
}

func (h *LocationHandler) History(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	snaps, err := h.location.History(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"history": snaps})
}
