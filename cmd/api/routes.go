package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whatsapp-engagement/internal/auth"
	"whatsapp-engagement/internal/httpapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	r.Use(httpapi.Metrics())

	registerPublicRoutes(r, a)
	httpapi.Register(r, a.handlers, auth.RequireAccessToken(a.handlers.Auth))
}

// registerPublicRoutes mounts health, metrics and provider webhooks. Webhooks
// are authenticated by signature, not by token.
func registerPublicRoutes(r *gin.Engine, a *app) {
	r.GET("/healthz", func(c *gin.Context) {
		checks := a.health(c.Request.Context())
		status := http.StatusOK
		for _, v := range checks {
			if v != "ok" {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wh := r.Group("/webhooks/whatsapp")
	{
		wh.GET("", a.webhook.Verify)
		wh.POST("", a.webhook.Receive)
		// Plain JSON entry point used by local tooling and the mock driver.
		if !a.cfg.IsProduction() {
			wh.POST("/simple", a.webhook.ReceiveSimple)
		}
	}
}
