// README: Base handler utilities (JSON helpers, error mapping, caller identity).
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dispatch/internal/errs"
	"dispatch/internal/http/middleware"
	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// isValidID accepts uuids and the short ids issued by identity providers.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeMessage(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeError maps an error kind to its status code. Messages of internal
// errors are not exposed.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		writeJSON(c, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(c, status, errorResponse{Error: err.Error(), Kind: errs.Code(err)})
}

func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrValidation:
		return http.StatusBadRequest
	case errs.ErrAuthorization:
		return http.StatusForbidden
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrStateConflict, errs.ErrNoAvailableAgent, errs.ErrStaleData:
		return http.StatusConflict
	case errs.ErrNoPricingTier:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := c.Param(name)
	if !isValidID(id) {
		writeMessage(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(id), true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeMessage(c, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func callerID(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

// callerActor maps the verified role onto an order actor.
func callerActor(c *gin.Context) order.Actor {
	id := callerID(c)
	switch agent.Role(middleware.CallerRole(c)) {
	case agent.RoleAdmin:
		return order.Actor{Type: order.ActorAdmin, ID: id}
	case agent.RoleDelivery:
		return order.Actor{Type: order.ActorAgent, ID: id}
	default:
		return order.Actor{Type: order.ActorCustomer, ID: id}
	}
}

func isAdmin(c *gin.Context) bool {
	return agent.Role(middleware.CallerRole(c)) == agent.RoleAdmin
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeMessage(c, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}
