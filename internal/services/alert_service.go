package services

import (
	"context"
	"fmt"
	"time"

	"paycat/internal/config"
	"paycat/internal/models"
	"paycat/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// AlertService emails the app's contact address when a webhook
// delivery dead-letters. Disabled when no Brevo key is configured.
type AlertService struct {
	client    *brevo.APIClient
	fromEmail string
	fromName  string
}

// NewAlertService creates the mailer from the loaded configuration.
func NewAlertService() *AlertService {
	if config.AppConfig.BrevoAPIKey == "" || config.AppConfig.AlertFromEmail == "" {
		return &AlertService{}
	}

	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", config.AppConfig.BrevoAPIKey)
	return &AlertService{
		client:    brevo.NewAPIClient(cfg),
		fromEmail: config.AppConfig.AlertFromEmail,
		fromName:  config.AppConfig.AlertFromName,
	}
}

// NotifyDeadLetter sends the dead-letter alert for a delivery that
// exhausted its attempts. Failures are logged, never propagated; the
// delivery record is already persisted.
func (s *AlertService) NotifyDeadLetter(app *models.App, webhook *models.Webhook, delivery *models.WebhookDelivery) {
	if s.client == nil {
		logging.Warnf("Dead-letter alert skipped for delivery %s: mailer not configured", delivery.DeliveryID)
		return
	}
	if app.ContactEmail == "" {
		logging.Warnf("Dead-letter alert skipped for delivery %s: app %s has no contact email", delivery.DeliveryID, app.AppID)
		return
	}

	subject := fmt.Sprintf("[%s] Webhook delivery failed permanently", config.AppConfig.ServiceName)
	htmlContent := fmt.Sprintf(`
		<p>A webhook delivery for <strong>%s</strong> was abandoned after %d attempts.</p>
		<table cellpadding="4">
			<tr><td>Endpoint</td><td>%s</td></tr>
			<tr><td>Event type</td><td>%s</td></tr>
			<tr><td>Delivery id</td><td>%s</td></tr>
			<tr><td>Last response status</td><td>%d</td></tr>
		</table>
		<p>The endpoint must acknowledge with a 2xx within 30 seconds.
		Fix the endpoint and replay the event from your dashboard if needed.</p>
	`, app.AppName, delivery.Attempts, webhook.URL, delivery.EventType,
		delivery.DeliveryID, delivery.ResponseStatus)

	textContent := fmt.Sprintf(
		"A webhook delivery for %s was abandoned after %d attempts.\n\nEndpoint: %s\nEvent type: %s\nDelivery id: %s\nLast response status: %d\n",
		app.AppName, delivery.Attempts, webhook.URL, delivery.EventType,
		delivery.DeliveryID, delivery.ResponseStatus)

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  s.fromName,
			Email: s.fromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: app.ContactEmail, Name: app.AppName},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
		TextContent: textContent,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, _, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, email); err != nil {
		logging.Errorf("Failed to send dead-letter alert for delivery %s: %v", delivery.DeliveryID, err)
		return
	}
	logging.Infof("Dead-letter alert sent to %s for delivery %s", app.ContactEmail, delivery.DeliveryID)
}
