// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/handlers"
	"dispatch/internal/http/middleware"
	"dispatch/internal/http/ws"
	"dispatch/internal/modules/agent"
)

const (
	roleAdmin    = string(agent.RoleAdmin)
	roleDelivery = string(agent.RoleDelivery)
	roleCustomer = string(agent.RoleCustomer)
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "presence": deps.Hub.Stats()})
	})
	r.GET("/ws", gin.WrapH(ws.NewHandler(deps.Hub, deps.Verifier, deps.Order, deps.Location, deps.Logger)))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	orderHandler := handlers.NewOrderHandler(deps.Order)
	agentHandler := handlers.NewAgentHandler(deps.Order, deps.Agent)
	locationHandler := handlers.NewLocationHandler(deps.Location, deps.Freshness)
	dispatchHandler := handlers.NewDispatchHandler(deps.Matching)
	pricingHandler := handlers.NewPricingHandler(deps.Pricing)
	shopHandler := handlers.NewShopHandler(deps.Shop)

	admin := middleware.RequireRole(roleAdmin)
	delivery := middleware.RequireRole(roleDelivery)

	me := api.Group("/agents/me", delivery)
	me.POST("", agentHandler.Register)
	me.PUT("/location", locationHandler.Update)
	me.PUT("/availability", agentHandler.SetAvailability)
	me.GET("/orders", agentHandler.ActiveOrders)

	api.GET("/agents/active", admin, locationHandler.Active)
	api.GET("/agents/nearby", admin, locationHandler.Nearby)
	api.GET("/agents/:id/location", middleware.RequireRole(roleAdmin, roleDelivery), locationHandler.Get)
	api.GET("/agents/:id/location/history", admin, locationHandler.History)

	api.POST("/orders", middleware.RequireRole(roleCustomer, roleAdmin), orderHandler.Create)
	api.GET("/orders/unassigned", admin, orderHandler.ListUnassigned)
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/events", orderHandler.Events)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/status", admin, orderHandler.Override)
	api.POST("/orders/:id/dispatch", admin, dispatchHandler.Dispatch)
	api.GET("/orders/:id/candidates", admin, dispatchHandler.Candidates)
	api.POST("/orders/:id/accept", delivery, agentHandler.Accept)
	api.POST("/orders/:id/start", delivery, agentHandler.Start)
	api.POST("/orders/:id/deliver", delivery, agentHandler.Deliver)

	api.PUT("/shops/:id", admin, shopHandler.Register)
	api.GET("/shops/:id", shopHandler.Get)

	api.POST("/dispatch/sweep", admin, dispatchHandler.Sweep)
	api.GET("/pricing/quote", pricingHandler.Quote)

	return r
}
