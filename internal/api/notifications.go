package api

import (
	"errors"
	"io"
	"net/http"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/models"
	"paycat/internal/response"
	"paycat/internal/services"
	"paycat/pkg/logging"

	"github.com/gin-gonic/gin"
)

const maxNotificationBody = 1 << 20

// acknowledge is the 200 body every accepted notification gets.
func acknowledge(c *gin.Context, duplicate bool) {
	body := gin.H{"received": true}
	if duplicate {
		body["duplicate"] = true
	}
	c.JSON(http.StatusOK, body)
}

// notificationFailure applies the response policy: signature failures
// are reported honestly so the store can alert, everything else is
// acknowledged with 200 to stop provider retry storms.
func notificationFailure(c *gin.Context, platform string, err error) {
	switch {
	case errors.Is(err, apperrors.ErrSignatureInvalid):
		response.Error(c, err)
	case errors.Is(err, apperrors.ErrReceiptInvalid):
		response.Error(c, err)
	default:
		logging.Errorf("Failed to process %s notification: %v", platform, err)
		c.JSON(http.StatusOK, gin.H{"received": true, "error": apperrors.CodeFor(err)})
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		response.ErrorWith(c, http.StatusBadRequest, "receipt_invalid", "unreadable request body")
		return nil, false
	}
	return raw, true
}

// AppleNotification handles POST /v1/notifications/apple.
func (h *Handlers) AppleNotification(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	event, err := h.Apple.VerifyNotification(c.Request.Context(), nil, raw, c.Request.Header)
	if err != nil {
		notificationFailure(c, models.PlatformIOS, err)
		return
	}
	if event == nil {
		acknowledge(c, false)
		return
	}

	app, err := database.GetAppByAppleBundleID(event.ProviderAccountID)
	if err != nil {
		logging.Warnf("Apple notification for unconfigured bundle %s", event.ProviderAccountID)
		acknowledge(c, false)
		return
	}

	h.process(c, models.PlatformIOS, app, event)
}

// GoogleNotification handles POST /v1/notifications/google.
func (h *Handlers) GoogleNotification(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	_, notification, err := h.Google.DecodeNotification(raw)
	if err != nil {
		notificationFailure(c, models.PlatformAndroid, err)
		return
	}

	app, err := database.GetAppByGooglePackageName(notification.PackageName)
	if err != nil {
		logging.Warnf("Play notification for unconfigured package %s", notification.PackageName)
		acknowledge(c, false)
		return
	}
	if err := h.Google.VerifyPushAuth(app, c.Request.Header); err != nil {
		notificationFailure(c, models.PlatformAndroid, err)
		return
	}

	event, err := h.Google.VerifyNotification(c.Request.Context(), app, raw, c.Request.Header)
	if err != nil {
		notificationFailure(c, models.PlatformAndroid, err)
		return
	}
	if event == nil {
		acknowledge(c, false)
		return
	}

	h.process(c, models.PlatformAndroid, app, event)
}

// StripeNotification handles POST /v1/notifications/stripe. The route
// carries no tenant identifier; the signing secret identifies the app.
func (h *Handlers) StripeNotification(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	apps, err := database.GetAppsWithStripeConfig()
	if err != nil {
		notificationFailure(c, models.PlatformStripe, apperrors.Internal(err))
		return
	}

	var app *models.App
	for i := range apps {
		if h.Stripe.MatchesSignature(&apps[i], raw, c.Request.Header) {
			app = &apps[i]
			break
		}
	}
	if app == nil {
		response.Error(c, apperrors.SignatureInvalid(errors.New("no configured app matches the signature")))
		return
	}

	event, err := h.Stripe.VerifyNotification(c.Request.Context(), app, raw, c.Request.Header)
	if err != nil {
		notificationFailure(c, models.PlatformStripe, err)
		return
	}
	if event == nil {
		acknowledge(c, false)
		return
	}

	h.process(c, models.PlatformStripe, app, event)
}

// PaddleNotification handles POST /v1/notifications/paddle. The
// passthrough blob names the tenant; the signature is verified against
// that tenant's public key.
func (h *Handlers) PaddleNotification(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	fields, _, err := services.ParseWebhookForm(raw)
	if err != nil {
		notificationFailure(c, models.PlatformPaddle, err)
		return
	}
	passthrough, err := services.ParsePassthrough(fields)
	if err != nil {
		notificationFailure(c, models.PlatformPaddle, err)
		return
	}

	app, err := database.GetAppByID(passthrough.AppID)
	if err != nil {
		logging.Warnf("Paddle alert for unknown app %s", passthrough.AppID)
		acknowledge(c, false)
		return
	}

	event, err := h.Paddle.VerifyNotification(c.Request.Context(), app, raw, c.Request.Header)
	if err != nil {
		notificationFailure(c, models.PlatformPaddle, err)
		return
	}
	if event == nil {
		acknowledge(c, false)
		return
	}

	h.process(c, models.PlatformPaddle, app, event)
}

// AmazonNotification handles POST /v1/notifications/amazon.
func (h *Handlers) AmazonNotification(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}

	event, err := h.Amazon.VerifyNotification(c.Request.Context(), nil, raw, c.Request.Header)
	if err != nil {
		notificationFailure(c, models.PlatformAmazon, err)
		return
	}
	if event == nil {
		acknowledge(c, false)
		return
	}

	app, err := database.GetAppByAmazonAppID(event.ProviderAccountID)
	if err != nil {
		logging.Warnf("Amazon notification for unconfigured package %s", event.ProviderAccountID)
		acknowledge(c, false)
		return
	}
	if err := h.Amazon.Enrich(c.Request.Context(), app, event); err != nil {
		notificationFailure(c, models.PlatformAmazon, err)
		return
	}

	h.process(c, models.PlatformAmazon, app, event)
}

func (h *Handlers) process(c *gin.Context, platform string, app *models.App, event *models.StoreEvent) {
	result, err := h.Pipeline.Process(c.Request.Context(), app, event)
	if err != nil {
		notificationFailure(c, platform, err)
		return
	}
	acknowledge(c, result.Duplicate)
}
