package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/middleware"
	"paycat/internal/models"
	"paycat/internal/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreateWebhookRequest is the body of POST /v1/webhooks.
type CreateWebhookRequest struct {
	URL         string `json:"url" binding:"required"`
	EventFilter string `json:"event_filter"`
}

// CreateWebhookResponse carries the signing secret, shown only at
// registration.
type CreateWebhookResponse struct {
	ID          uint   `json:"id"`
	URL         string `json:"url"`
	EventFilter string `json:"event_filter"`
	Secret      string `json:"secret"`
}

// CreateWebhook registers an outbound endpoint.
func (h *Handlers) CreateWebhook(c *gin.Context) {
	app := middleware.AppFrom(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWith(c, http.StatusBadRequest, "receipt_invalid", "invalid request body: "+err.Error())
		return
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		response.Error(c, apperrors.Validation("webhook url must be https"))
		return
	}

	filter := req.EventFilter
	if filter == "" {
		filter = "*"
	}
	if err := validateEventFilter(filter); err != nil {
		response.Error(c, err)
		return
	}

	secret, err := newWebhookSecret()
	if err != nil {
		response.Error(c, apperrors.Internal(err))
		return
	}

	webhook := &models.Webhook{
		AppID:       app.AppID,
		URL:         req.URL,
		Secret:      secret,
		EventFilter: filter,
		Active:      true,
	}
	if err := database.CreateWebhook(webhook); err != nil {
		response.Error(c, apperrors.Internal(err))
		return
	}

	response.Created(c, CreateWebhookResponse{
		ID:          webhook.ID,
		URL:         webhook.URL,
		EventFilter: webhook.EventFilter,
		Secret:      secret,
	})
}

// ListWebhooks returns the app's endpoints, secrets omitted.
func (h *Handlers) ListWebhooks(c *gin.Context) {
	app := middleware.AppFrom(c)

	webhooks, err := database.GetAppWebhooks(app.AppID)
	if err != nil {
		response.Error(c, apperrors.Internal(err))
		return
	}
	response.Data(c, gin.H{"webhooks": webhooks})
}

// DeleteWebhook deactivates an endpoint, keeping delivery history.
func (h *Handlers) DeleteWebhook(c *gin.Context) {
	app := middleware.AppFrom(c)

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.Error(c, apperrors.Validation("invalid webhook id"))
		return
	}

	if _, err := database.GetWebhookByID(app.AppID, uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.NotFound("webhook"))
			return
		}
		response.Error(c, apperrors.Internal(err))
		return
	}
	if err := database.DeactivateWebhook(app.AppID, uint(id)); err != nil {
		response.Error(c, apperrors.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

func validateEventFilter(filter string) error {
	if filter == "*" {
		return nil
	}
	for _, item := range strings.Split(filter, ",") {
		eventType := strings.TrimSpace(item)
		if !models.IsEventType(eventType) {
			return apperrors.Validation("unknown event type in filter: " + eventType)
		}
	}
	return nil
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
