package api

import (
	"paycat/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes registers all routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	v1 := r.Group("/v1")
	{
		// Client/backend API (tenant-scoped via API key)
		authed := v1.Group("")
		authed.Use(middleware.APIKeyAuth())
		{
			authed.POST("/receipts", h.VerifyReceipt)
			authed.GET("/subscribers/:app_user_id", h.GetSubscriber)
			authed.DELETE("/subscribers/:app_user_id", h.DeleteSubscriber)

			authed.POST("/webhooks", h.CreateWebhook)
			authed.GET("/webhooks", h.ListWebhooks)
			authed.DELETE("/webhooks/:id", h.DeleteWebhook)
		}

		// Store notification routes (no API key, the stores call these;
		// each verifies its own signature scheme)
		notifications := v1.Group("/notifications")
		{
			notifications.POST("/apple", h.AppleNotification)
			notifications.POST("/google", h.GoogleNotification)
			notifications.POST("/stripe", h.StripeNotification)
			notifications.POST("/paddle", h.PaddleNotification)
			notifications.POST("/amazon", h.AmazonNotification)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "paycat",
		})
	})
}
