package api

import (
	"net/http"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/middleware"
	"paycat/internal/models"
	"paycat/internal/response"
	"paycat/internal/services"

	"github.com/gin-gonic/gin"
)

// VerifyReceiptRequest is the body of POST /v1/receipts.
type VerifyReceiptRequest struct {
	AppUserID   string               `json:"app_user_id" binding:"required"`
	Platform    string               `json:"platform" binding:"required"`
	ReceiptData services.ReceiptData `json:"receipt_data"`
}

// VerifyReceipt handles a client-initiated receipt sync: verify with
// the provider, run the normal pipeline, return the refreshed
// subscriber view.
func (h *Handlers) VerifyReceipt(c *gin.Context) {
	app := middleware.AppFrom(c)

	var req VerifyReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWith(c, http.StatusBadRequest, "receipt_invalid", "invalid request body: "+err.Error())
		return
	}

	adapter, ok := h.Adapters.ForPlatform(req.Platform)
	if !ok {
		response.Error(c, apperrors.Validation("unknown platform: "+req.Platform))
		return
	}

	event, err := adapter.VerifyReceipt(c.Request.Context(), app, &req.ReceiptData)
	if err != nil {
		response.Error(c, err)
		return
	}
	// The client's identity binds the receipt even when the store
	// payload carries its own account token.
	event.AppUserID = req.AppUserID

	result, err := h.Pipeline.Process(c.Request.Context(), app, event)
	if err != nil {
		response.Error(c, err)
		return
	}

	var subscriber *models.Subscriber
	if result.Apply != nil {
		subscriber = result.Apply.Subscriber
	} else {
		// A concurrent delivery of the same receipt won the race; the
		// subscriber row already exists.
		subscriber, err = database.GetSubscriber(app.AppID, req.AppUserID)
		if err != nil {
			response.Error(c, err)
			return
		}
	}

	view, err := h.subscriberView(app, subscriber)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Data(c, view)
}
