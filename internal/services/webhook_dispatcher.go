package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"paycat/internal/crypto"
	"paycat/internal/database"
	"paycat/internal/models"
	"paycat/pkg/logging"

	"github.com/google/uuid"
)

const (
	webhookUserAgent   = "PayCat-Webhook/1.0"
	webhookSendTimeout = 30 * time.Second

	// Response bodies are truncated before persisting.
	maxResponseBodyBytes = 1000
)

// retrySchedule[n] is the delay applied after the nth failed attempt.
// The first attempt is immediate; the seventh failure dead-letters.
var retrySchedule = []time.Duration{
	0,
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// deadLetterAlerter is notified when a delivery exhausts its attempts.
type deadLetterAlerter interface {
	NotifyDeadLetter(app *models.App, webhook *models.Webhook, delivery *models.WebhookDelivery)
}

// WebhookDispatcher signs and delivers domain events to customer
// endpoints, persisting one delivery record per (webhook, event).
type WebhookDispatcher struct {
	httpClient *http.Client
	alerts     deadLetterAlerter
	now        func() time.Time
}

// NewWebhookDispatcher creates a dispatcher. alerts may be nil.
func NewWebhookDispatcher(alerts deadLetterAlerter) *WebhookDispatcher {
	return &WebhookDispatcher{
		httpClient: &http.Client{Timeout: webhookSendTimeout},
		alerts:     alerts,
		now:        time.Now,
	}
}

// Dispatch fans one domain event out to every active endpoint whose
// filter matches, attempting each delivery once immediately. Failed
// deliveries are left scheduled for the retry runner.
func (d *WebhookDispatcher) Dispatch(app *models.App, event *models.DomainEvent) error {
	webhooks, err := database.GetActiveWebhooks(app.AppID)
	if err != nil {
		return err
	}

	payload, err := event.Marshal()
	if err != nil {
		return err
	}

	for i := range webhooks {
		webhook := &webhooks[i]
		if !webhook.Matches(event.Type) {
			continue
		}

		nowMs := d.now().UnixMilli()
		delivery := &models.WebhookDelivery{
			DeliveryID:  uuid.NewString(),
			WebhookID:   webhook.ID,
			AppID:       app.AppID,
			EventType:   event.Type,
			Payload:     string(payload),
			NextRetryAt: &nowMs,
		}
		if err := database.CreateWebhookDelivery(delivery); err != nil {
			logging.Errorf("Failed to persist webhook delivery for %s: %v", webhook.URL, err)
			continue
		}

		if err := d.Attempt(app, webhook, delivery); err != nil {
			logging.Warnf("Webhook delivery %s attempt 1 failed: %v", delivery.DeliveryID, err)
		}
	}
	return nil
}

// Attempt performs one delivery attempt and persists the outcome:
// success clears the retry schedule, failure either reschedules or
// dead-letters once the ceiling is hit. Every attempt counts, the
// delivering one included.
func (d *WebhookDispatcher) Attempt(app *models.App, webhook *models.Webhook, delivery *models.WebhookDelivery) error {
	delivery.Attempts++
	status, body, sendErr := d.send(webhook, delivery)

	delivery.ResponseStatus = status
	delivery.ResponseBody = body
	if sendErr != nil && body == "" {
		delivery.ResponseBody = truncate(sendErr.Error(), maxResponseBodyBytes)
	}

	nowMs := d.now().UnixMilli()
	if sendErr == nil && status >= 200 && status < 300 {
		delivery.DeliveredAt = &nowMs
		delivery.NextRetryAt = nil
		if err := database.SaveWebhookDelivery(delivery); err != nil {
			return err
		}
		return nil
	}

	if delivery.Attempts >= models.MaxDeliveryAttempts {
		delivery.NextRetryAt = nil
		if err := database.SaveWebhookDelivery(delivery); err != nil {
			return err
		}
		logging.Errorf("Webhook delivery %s dead-lettered after %d attempts (%s)",
			delivery.DeliveryID, delivery.Attempts, webhook.URL)
		if d.alerts != nil {
			d.alerts.NotifyDeadLetter(app, webhook, delivery)
		}
	} else {
		next := d.now().Add(retrySchedule[delivery.Attempts]).UnixMilli()
		delivery.NextRetryAt = &next
		if err := database.SaveWebhookDelivery(delivery); err != nil {
			return err
		}
	}

	if sendErr != nil {
		return sendErr
	}
	return fmt.Errorf("endpoint returned %d", status)
}

func (d *WebhookDispatcher) send(webhook *models.Webhook, delivery *models.WebhookDelivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookSendTimeout)
	defer cancel()

	body := []byte(delivery.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set("X-PayCat-Event", delivery.EventType)
	req.Header.Set("X-PayCat-Delivery-ID", delivery.DeliveryID)
	req.Header.Set("X-PayCat-Signature", crypto.StripeSignatureHeader(body, webhook.Secret, d.now()))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return resp.StatusCode, truncate(string(respBody), maxResponseBodyBytes), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
