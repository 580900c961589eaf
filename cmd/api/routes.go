package main

import (
	"net/http"

	"concierge/internal/app"
	"concierge/internal/auth"
	"concierge/internal/httpapi"
	"concierge/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app.App) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Vendor webhooks (public). Authenticated by shared secret / signature inside the handlers.
	r.POST("/webhooks/vapi", a.Webhook.HandleVapi)
	r.POST("/webhooks/twilio/sms", httpapi.NewIPLimiter(1, 5).Middleware(), a.SMSWebhook.HandleInboundSMS)

	h := httpapi.Handlers{
		Auth:         a.Auth,
		Orchestrator: a.Orchestrator,
		Requests:     a.Requests,
		Audit:        a.Audit,
		Reporting:    a.Reporting,
		Notifier:     a.Notifier,
	}
	authMW := auth.RequireAccessToken(a.Auth)

	// Refresh tokens are checked inside the handler.
	r.POST("/v1/auth/refresh", httpapi.NewIPLimiter(1, 10).Middleware(), h.RefreshToken)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	v1.Use(rbac.RequireAnyRole(rbac.RoleUser))
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
		})

		reqs := v1.Group("/requests")
		{
			reqs.POST("", h.CreateRequest)
			reqs.GET("", h.ListRequests)
			reqs.GET("/:id", h.GetRequest)
			reqs.GET("/:id/batch-status", h.BatchStatus)
			reqs.POST("/:id/select", h.SelectProvider)
			reqs.GET("/:id/booking", h.BookingStatus)
			reqs.POST("/:id/providers/:provider_id/retry", h.RetryProvider)
			reqs.POST("/:id/notify", h.Notify)
		}
	}

	// The service role is hidden; only the workflow engine callback opts it in.
	internal := r.Group("/internal")
	internal.Use(authMW)
	internal.Use(rbac.RequireAnyRole(rbac.RoleService))
	{
		internal.POST("/call-results", h.RecordCallResult)
	}
}
