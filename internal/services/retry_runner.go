package services

import (
	"errors"
	"time"

	"paycat/internal/database"
	"paycat/pkg/logging"

	"gorm.io/gorm"
)

// RetryRunner sweeps due webhook deliveries on an interval and replays
// them through the dispatcher.
type RetryRunner struct {
	dispatcher *WebhookDispatcher
	interval   time.Duration
	batchSize  int

	stop chan struct{}
	done chan struct{}
}

// NewRetryRunner creates a runner over the dispatcher.
func NewRetryRunner(dispatcher *WebhookDispatcher, interval time.Duration, batchSize int) *RetryRunner {
	return &RetryRunner{
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  batchSize,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *RetryRunner) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		logging.Infof("Webhook retry runner started (interval %s, batch %d)", r.interval, r.batchSize)
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep.
func (r *RetryRunner) Stop() {
	close(r.stop)
	<-r.done
}

// Sweep replays every due delivery once.
func (r *RetryRunner) Sweep() {
	deliveries, err := database.GetDueWebhookDeliveries(time.Now(), r.batchSize)
	if err != nil {
		logging.Errorf("Retry sweep query failed: %v", err)
		return
	}

	for i := range deliveries {
		delivery := &deliveries[i]

		webhook, err := database.GetWebhookByID(delivery.AppID, delivery.WebhookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Endpoint row is gone; stop rescheduling.
				delivery.NextRetryAt = nil
				if saveErr := database.SaveWebhookDelivery(delivery); saveErr != nil {
					logging.Errorf("Failed to park orphaned delivery %s: %v", delivery.DeliveryID, saveErr)
				}
				continue
			}
			logging.Errorf("Retry sweep webhook lookup failed: %v", err)
			continue
		}
		if !webhook.Active {
			delivery.NextRetryAt = nil
			if err := database.SaveWebhookDelivery(delivery); err != nil {
				logging.Errorf("Failed to park delivery %s for inactive webhook: %v", delivery.DeliveryID, err)
			}
			continue
		}

		app, err := database.GetAppByID(delivery.AppID)
		if err != nil {
			logging.Errorf("Retry sweep app lookup failed for %s: %v", delivery.AppID, err)
			continue
		}

		if err := r.dispatcher.Attempt(app, webhook, delivery); err != nil {
			logging.Warnf("Webhook delivery %s attempt %d failed: %v",
				delivery.DeliveryID, delivery.Attempts, err)
		}
	}
}
