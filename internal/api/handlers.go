package api

import (
	"time"

	"paycat/internal/config"
	"paycat/internal/services"
)

// Handlers bundles the service graph behind the HTTP surface.
type Handlers struct {
	Apple  *services.AppleService
	Google *services.GoogleService
	Stripe *services.StripeService
	Paddle *services.PaddleService
	Amazon *services.AmazonService

	Adapters     *services.AdapterRegistry
	Pipeline     *services.NotificationService
	Entitlements *services.EntitlementService
	Dispatcher   *services.WebhookDispatcher
}

// NewHandlers wires the full service graph.
func NewHandlers() *Handlers {
	apple := services.NewAppleService()
	google := services.NewGoogleService()
	stripe := services.NewStripeService()
	paddle := services.NewPaddleService()
	amazon := services.NewAmazonService()

	entitlements := services.NewEntitlementService()
	dispatcher := services.NewWebhookDispatcher(services.NewAlertService())
	pipeline := services.NewNotificationService(
		services.NewSubscriptionService(),
		entitlements,
		dispatcher,
		services.NewIntegrationService(),
	)

	return &Handlers{
		Apple:        apple,
		Google:       google,
		Stripe:       stripe,
		Paddle:       paddle,
		Amazon:       amazon,
		Adapters:     services.NewAdapterRegistry(apple, google, stripe, paddle, amazon),
		Pipeline:     pipeline,
		Entitlements: entitlements,
		Dispatcher:   dispatcher,
	}
}

// NewRetryRunner builds the sweep loop over the wired dispatcher.
func (h *Handlers) NewRetryRunner() *services.RetryRunner {
	interval := time.Duration(config.AppConfig.RetrySweepSeconds) * time.Second
	return services.NewRetryRunner(h.Dispatcher, interval, config.AppConfig.RetryBatchSize)
}
