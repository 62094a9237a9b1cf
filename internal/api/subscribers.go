package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/middleware"
	"paycat/internal/models"
	"paycat/internal/response"
	"paycat/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SubscriptionView is the externally visible subscription shape.
type SubscriptionView struct {
	ProductID            string `json:"product_id"`
	Platform             string `json:"platform"`
	Status               string `json:"status"`
	PurchaseDate         int64  `json:"purchase_date"`
	ExpiresAt            *int64 `json:"expires_at"`
	GracePeriodExpiresAt *int64 `json:"grace_period_expires_at,omitempty"`
	WillRenew            bool   `json:"will_renew"`
	IsSandbox            bool   `json:"is_sandbox"`
	IsTrial              bool   `json:"is_trial"`
}

// SubscriberView is the body of GET /v1/subscribers/{app_user_id}.
type SubscriberView struct {
	AppUserID     string               `json:"app_user_id"`
	FirstSeenAt   time.Time            `json:"first_seen_at"`
	LastSeenAt    time.Time            `json:"last_seen_at"`
	Subscriptions []SubscriptionView   `json:"subscriptions"`
	Entitlements  []models.Entitlement `json:"entitlements"`
}

// GetSubscriber returns the subscriber with subscriptions and resolved
// entitlements.
func (h *Handlers) GetSubscriber(c *gin.Context) {
	app := middleware.AppFrom(c)
	appUserID := c.Param("app_user_id")

	if cached := database.CachedSubscriberView(c.Request.Context(), app.AppID, appUserID); cached != "" {
		var view SubscriberView
		if err := json.Unmarshal([]byte(cached), &view); err == nil {
			response.Data(c, &view)
			return
		}
	}

	subscriber, err := database.GetSubscriber(app.AppID, appUserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.NotFound("subscriber"))
			return
		}
		response.Error(c, apperrors.Internal(err))
		return
	}

	view, err := h.subscriberView(app, subscriber)
	if err != nil {
		response.Error(c, err)
		return
	}
	if encoded, err := json.Marshal(view); err == nil {
		database.CacheSubscriberView(c.Request.Context(), app.AppID, appUserID, string(encoded))
	}
	response.Data(c, view)
}

// DeleteSubscriber erases a subscriber and all dependent rows. The
// confirm=true query parameter is required.
func (h *Handlers) DeleteSubscriber(c *gin.Context) {
	app := middleware.AppFrom(c)
	appUserID := c.Param("app_user_id")

	if c.Query("confirm") != "true" {
		response.Error(c, apperrors.Validation("erase requires confirm=true"))
		return
	}

	if err := database.DeleteSubscriber(app.AppID, appUserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.NotFound("subscriber"))
			return
		}
		response.Error(c, apperrors.Internal(err))
		return
	}
	database.InvalidateSubscriberView(c.Request.Context(), app.AppID, appUserID)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) subscriberView(app *models.App, subscriber *models.Subscriber) (*SubscriberView, error) {
	subscriptions, err := database.GetSubscriberSubscriptions(subscriber.ID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	entitlements, err := h.Entitlements.Resolve(app.AppID, subscriptions)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	nowMs := time.Now().UnixMilli()
	view := &SubscriberView{
		AppUserID:     subscriber.AppUserID,
		FirstSeenAt:   subscriber.FirstSeenAt,
		LastSeenAt:    subscriber.LastSeenAt,
		Subscriptions: make([]SubscriptionView, 0, len(subscriptions)),
		Entitlements:  entitlements.Entitlements,
	}
	for i := range subscriptions {
		sub := &subscriptions[i]
		view.Subscriptions = append(view.Subscriptions, SubscriptionView{
			ProductID:            sub.ProductID,
			Platform:             sub.Platform,
			Status:               services.EffectiveStatus(sub, nowMs),
			PurchaseDate:         sub.PurchaseDate,
			ExpiresAt:            sub.ExpiresAt,
			GracePeriodExpiresAt: sub.GracePeriodExpiresAt,
			WillRenew:            sub.WillRenew,
			IsSandbox:            sub.IsSandbox,
			IsTrial:              sub.IsTrial,
		})
	}
	if view.Entitlements == nil {
		view.Entitlements = []models.Entitlement{}
	}
	return view, nil
}
