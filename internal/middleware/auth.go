package middleware

import (
	"net/http"

	"paycat/internal/database"
	"paycat/internal/models"
	"paycat/internal/response"

	"github.com/gin-gonic/gin"
)

const appContextKey = "app"

// APIKeyAuth resolves the tenant from the X-API-Key header and aborts
// with 401 when the key is missing or unknown.
func APIKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			response.ErrorWith(c, http.StatusUnauthorized, "unauthorized", "missing X-API-Key header")
			c.Abort()
			return
		}

		app, err := database.GetAppByAPIKey(apiKey)
		if err != nil {
			response.ErrorWith(c, http.StatusUnauthorized, "unauthorized", "invalid API key")
			c.Abort()
			return
		}

		c.Set(appContextKey, app)
		c.Next()
	}
}

// AppFrom returns the authenticated tenant placed by APIKeyAuth.
func AppFrom(c *gin.Context) *models.App {
	v, ok := c.Get(appContextKey)
	if !ok {
		return nil
	}
	app, _ := v.(*models.App)
	return app
}
