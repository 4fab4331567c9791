package main

import (
	"context"

	"voice-gateway/internal/auth"
	"voice-gateway/internal/directory"
	"voice-gateway/internal/rbac"
	"voice-gateway/internal/session"
	"voice-gateway/internal/webhook"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	webhooks *webhook.Handler
	login    *auth.Handler
	authMW   gin.HandlerFunc
	dir      directory.Handlers
	registry *session.Registry
	dbCheck  func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		status := "ok"
		dbStatus := "ok"
		if deps.dbCheck != nil {
			if err := deps.dbCheck(c.Request.Context()); err != nil {
				status, dbStatus = "degraded", "down"
			}
		}
		c.JSON(200, gin.H{
			"status": status,
			"db":     dbStatus,
			"calls":  deps.registry.Counts(),
		})
	})

	// Call-control webhooks (public, authenticated by signature).
	r.POST("/webhooks/calls", deps.webhooks.HandleEvent)

	// AUTH routes (token issuance).
	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/login", deps.login.Login)
		authGroup.POST("/refresh", deps.login.Refresh)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		// CALLS routes
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleAdmin))
		{
			calls.GET("", func(c *gin.Context) {
				c.JSON(200, gin.H{"calls": deps.registry.Snapshot()})
			})
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/directory/destinations", deps.dir.List)
			admin.PUT("/directory/destinations/:key", deps.dir.Upsert)
			admin.POST("/directory/invalidate-cache", deps.dir.InvalidateCache)
		}
	}
}
