// Package router wires the HTTP surface: request demux, the authentication
// predicate on the webhook endpoint, and translation of domain outcomes to
// status codes, all delegated to the handler package.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/AgentFoundryExamples/plan-scheduler/core/config"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/http/handler"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/http/middleware"
)

// Handlers bundles the handler instances SetupRoutes wires onto the engine.
type Handlers struct {
	Plan    *handler.PlanHandler
	Webhook *handler.WebhookHandler
}

func SetupRoutes(router *gin.Engine, h Handlers, auth config.AuthConfig) {
	router.GET("/health", handler.Health)

	router.POST("/plans", h.Plan.Create)
	router.GET("/plans/:plan_id", h.Plan.Status)

	pubsub := router.Group("/pubsub")
	pubsub.Use(middleware.RequireWebhookAuth(auth))
	pubsub.POST("/spec-status", h.Webhook.SpecStatus)
}
