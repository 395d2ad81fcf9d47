package httpapi

import (
	"github.com/gin-gonic/gin"

	"whatsapp-engagement/internal/rbac"
)

// Register mounts the login endpoints and the protected /v1 API.
// authMW must verify access tokens; role checks happen per group.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc) {
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", h.Me)

		staff := v1.Group("")
		staff.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleAgent))
		{
			staff.GET("/conversations", h.ListConversations)
			staff.GET("/conversations/:id", h.GetConversation)
			staff.GET("/conversations/:id/messages", h.ListMessages)
			staff.POST("/conversations/:id/reply", h.Reply)
			staff.POST("/conversations/:id/resolve", h.ResolveHandoff)
			staff.POST("/conversations/:id/suggest", h.Suggest)
			staff.POST("/messages/:id/resend", h.ResendMessage)
			staff.GET("/leads", h.ListLeads)
			staff.GET("/reports/engagement", h.EngagementReport)
		}

		// Only admins see the raw queue, delivery health and the audit trail.
		admin := v1.Group("")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/outbox", h.ListOutbox)
			admin.GET("/reports/delivery", h.DeliveryReport)
			admin.GET("/audit", h.ListAudit)
		}
	}
}
