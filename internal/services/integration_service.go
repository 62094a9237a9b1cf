package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"paycat/internal/crypto"
	"paycat/internal/database"
	"paycat/internal/models"
	"paycat/pkg/logging"
)

// Production endpoints per sink type. Tests override through
// SetEndpoint.
var defaultIntegrationEndpoints = map[string]string{
	models.IntegrationAmplitude: "https://api2.amplitude.com/2/httpapi",
	models.IntegrationMixpanel:  "https://api.mixpanel.com/track",
	models.IntegrationSegment:   "https://api.segment.io/v1/track",
	models.IntegrationFirebase:  "https://www.google-analytics.com/mp/collect",
	models.IntegrationAppsFlyer: "https://api2.appsflyer.com/inappevent",
	models.IntegrationAdjust:    "https://s2s.adjust.com/event",
}

// IntegrationService fans domain events out to third-party analytics
// sinks. Sends are fire-and-forget: each sink is attempted once,
// failures are recorded and never retried, and one slow or broken sink
// cannot affect the others.
type IntegrationService struct {
	httpClient *http.Client
	endpoints  map[string]string
	mutex      sync.RWMutex
}

// NewIntegrationService creates the fan-out service.
func NewIntegrationService() *IntegrationService {
	endpoints := make(map[string]string, len(defaultIntegrationEndpoints))
	for k, v := range defaultIntegrationEndpoints {
		endpoints[k] = v
	}
	return &IntegrationService{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		endpoints:  endpoints,
	}
}

// SetEndpoint overrides a sink's base URL.
func (s *IntegrationService) SetEndpoint(integrationType, url string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.endpoints[integrationType] = url
}

func (s *IntegrationService) endpoint(integrationType string) string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.endpoints[integrationType]
}

// FanOut delivers the event to every enabled matching integration
// concurrently and blocks until all sends settle.
func (s *IntegrationService) FanOut(app *models.App, event *models.DomainEvent) {
	integrations, err := database.GetEnabledIntegrations(app.AppID)
	if err != nil {
		logging.Errorf("Failed to load integrations for %s: %v", app.AppID, err)
		return
	}

	var wg sync.WaitGroup
	for i := range integrations {
		integration := &integrations[i]
		if !integration.Matches(event.Type) {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliver(app, integration, event)
		}()
	}
	wg.Wait()
}

func (s *IntegrationService) deliver(app *models.App, integration *models.Integration, event *models.DomainEvent) {
	status, err := s.send(integration, event)

	record := &models.IntegrationDelivery{
		IntegrationID:  integration.ID,
		AppID:          app.AppID,
		EventType:      event.Type,
		Success:        err == nil,
		ResponseStatus: status,
	}
	if err != nil {
		record.Error = truncate(err.Error(), 500)
		logging.Warnf("Integration %s (%s) delivery failed: %v", integration.Name, integration.Type, err)
	}
	if dbErr := database.CreateIntegrationDelivery(record); dbErr != nil {
		logging.Errorf("Failed to record integration delivery: %v", dbErr)
	}
}

func (s *IntegrationService) send(integration *models.Integration, event *models.DomainEvent) (int, error) {
	switch integration.Type {
	case models.IntegrationSlack:
		return s.sendSlack(integration, event)
	case models.IntegrationAmplitude:
		return s.sendAmplitude(integration, event)
	case models.IntegrationMixpanel:
		return s.sendMixpanel(integration, event)
	case models.IntegrationSegment:
		return s.sendSegment(integration, event)
	case models.IntegrationFirebase:
		return s.sendFirebase(integration, event)
	case models.IntegrationBraze:
		return s.sendBraze(integration, event)
	case models.IntegrationAppsFlyer:
		return s.sendAppsFlyer(integration, event)
	case models.IntegrationAdjust:
		return s.sendAdjust(integration, event)
	case models.IntegrationWebhook:
		return s.sendGenericWebhook(integration, event)
	default:
		return 0, fmt.Errorf("unknown integration type %q", integration.Type)
	}
}

func (s *IntegrationService) post(url string, headers map[string]string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return s.postRaw(url, headers, body)
}

func (s *IntegrationService) postRaw(url string, headers map[string]string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *IntegrationService) sendSlack(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		WebhookURL string `json:"webhook_url"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.WebhookURL == "" {
		return 0, fmt.Errorf("slack integration has no webhook_url")
	}

	text := fmt.Sprintf(":bell: *%s* for user `%s`", strings.ReplaceAll(event.Type, "_", " "), event.Data.AppUserID)
	if event.Data.Transaction != nil && event.Data.Transaction.Amount != 0 {
		text += fmt.Sprintf(" (%d %s)", event.Data.Transaction.Amount, event.Data.Transaction.Currency)
	}
	return s.post(cfg.WebhookURL, nil, map[string]string{"text": text})
}

func (s *IntegrationService) sendAmplitude(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		APIKey string `json:"api_key"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.APIKey == "" {
		return 0, fmt.Errorf("amplitude integration has no api_key")
	}

	payload := map[string]interface{}{
		"api_key": cfg.APIKey,
		"events": []map[string]interface{}{{
			"user_id":          event.Data.AppUserID,
			"event_type":       event.Type,
			"time":             event.CreatedAt.UnixMilli(),
			"insert_id":        event.ID,
			"event_properties": eventProperties(event),
		}},
	}
	return s.post(s.endpoint(models.IntegrationAmplitude), nil, payload)
}

func (s *IntegrationService) sendMixpanel(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		Token string `json:"token"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.Token == "" {
		return 0, fmt.Errorf("mixpanel integration has no token")
	}

	properties := eventProperties(event)
	properties["token"] = cfg.Token
	properties["distinct_id"] = event.Data.AppUserID
	properties["$insert_id"] = event.ID
	properties["time"] = event.CreatedAt.Unix()

	payload, err := json.Marshal(map[string]interface{}{
		"event":      event.Type,
		"properties": properties,
	})
	if err != nil {
		return 0, err
	}

	// Mixpanel's classic ingestion takes the event base64-encoded in
	// the data query parameter.
	url := s.endpoint(models.IntegrationMixpanel) + "?data=" + base64.StdEncoding.EncodeToString(payload)
	return s.postRaw(url, nil, nil)
}

func (s *IntegrationService) sendSegment(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		WriteKey string `json:"write_key"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.WriteKey == "" {
		return 0, fmt.Errorf("segment integration has no write_key")
	}

	payload := map[string]interface{}{
		"userId":     event.Data.AppUserID,
		"event":      event.Type,
		"messageId":  event.ID,
		"timestamp":  event.CreatedAt.Format(time.RFC3339),
		"properties": eventProperties(event),
	}
	// Segment authenticates with the write key as basic auth user and
	// an empty password.
	headers := map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.WriteKey+":")),
	}
	return s.post(s.endpoint(models.IntegrationSegment), headers, payload)
}

func (s *IntegrationService) sendFirebase(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		AppID     string `json:"app_id"`
		APISecret string `json:"api_secret"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.AppID == "" || cfg.APISecret == "" {
		return 0, fmt.Errorf("firebase integration needs app_id and api_secret")
	}

	url := fmt.Sprintf("%s?firebase_app_id=%s&api_secret=%s",
		s.endpoint(models.IntegrationFirebase), cfg.AppID, cfg.APISecret)
	payload := map[string]interface{}{
		"app_instance_id": event.Data.AppUserID,
		"events": []map[string]interface{}{{
			"name":   strings.ReplaceAll(event.Type, ".", "_"),
			"params": eventProperties(event),
		}},
	}
	return s.post(url, nil, payload)
}

func (s *IntegrationService) sendBraze(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		APIKey      string `json:"api_key"`
		InstanceURL string `json:"instance_url"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.APIKey == "" || cfg.InstanceURL == "" {
		return 0, fmt.Errorf("braze integration needs api_key and instance_url")
	}

	payload := map[string]interface{}{
		"events": []map[string]interface{}{{
			"external_id": event.Data.AppUserID,
			"name":        event.Type,
			"time":        event.CreatedAt.Format(time.RFC3339),
			"properties":  eventProperties(event),
		}},
	}
	headers := map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	return s.post(strings.TrimSuffix(cfg.InstanceURL, "/")+"/users/track", headers, payload)
}

func (s *IntegrationService) sendAppsFlyer(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		DevKey string `json:"dev_key"`
		AppID  string `json:"app_id"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.DevKey == "" || cfg.AppID == "" {
		return 0, fmt.Errorf("appsflyer integration needs dev_key and app_id")
	}

	properties, _ := json.Marshal(eventProperties(event))
	payload := map[string]interface{}{
		"customer_user_id": event.Data.AppUserID,
		"eventName":        event.Type,
		"eventValue":       string(properties),
		"eventTime":        event.CreatedAt.UTC().Format("2006-01-02 15:04:05.000"),
	}
	headers := map[string]string{"authentication": cfg.DevKey}
	return s.post(s.endpoint(models.IntegrationAppsFlyer)+"/"+cfg.AppID, headers, payload)
}

func (s *IntegrationService) sendAdjust(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		AppToken   string `json:"app_token"`
		EventToken string `json:"event_token"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.AppToken == "" || cfg.EventToken == "" {
		return 0, fmt.Errorf("adjust integration needs app_token and event_token")
	}

	properties, _ := json.Marshal(eventProperties(event))
	payload := map[string]interface{}{
		"app_token":       cfg.AppToken,
		"event_token":     cfg.EventToken,
		"s2s":             1,
		"external_id":     event.Data.AppUserID,
		"callback_params": string(properties),
	}
	if event.Data.Transaction != nil && event.Data.Transaction.Amount != 0 {
		payload["revenue"] = float64(event.Data.Transaction.Amount) / 100
		payload["currency"] = event.Data.Transaction.Currency
	}
	return s.post(s.endpoint(models.IntegrationAdjust), nil, payload)
}

// sendGenericWebhook posts the canonical payload to an arbitrary URL,
// signed with the integration's own secret in the same header grammar
// the customer webhooks use.
func (s *IntegrationService) sendGenericWebhook(integration *models.Integration, event *models.DomainEvent) (int, error) {
	var cfg struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if err := integration.DecodeConfig(&cfg); err != nil || cfg.URL == "" {
		return 0, fmt.Errorf("webhook integration has no url")
	}

	body, err := event.Marshal()
	if err != nil {
		return 0, err
	}
	headers := map[string]string{
		"User-Agent":     webhookUserAgent,
		"X-PayCat-Event": event.Type,
	}
	if cfg.Secret != "" {
		headers["X-MRRCat-Signature"] = crypto.StripeSignatureHeader(body, cfg.Secret, time.Now())
	}
	return s.postRaw(cfg.URL, headers, body)
}

// eventProperties flattens the event payload for sinks that take flat
// property maps.
func eventProperties(event *models.DomainEvent) map[string]interface{} {
	properties := map[string]interface{}{}
	if sub := event.Data.Subscription; sub != nil {
		properties["product_id"] = sub.ProductID
		properties["platform"] = sub.Platform
		properties["status"] = sub.Status
		if sub.ExpiresAt != nil {
			properties["expires_at"] = *sub.ExpiresAt
		}
	}
	if txn := event.Data.Transaction; txn != nil {
		properties["transaction_id"] = txn.ID
		properties["revenue_amount"] = txn.Amount
		properties["revenue_currency"] = txn.Currency
	}
	for k, v := range event.Data.Attributes {
		properties[k] = v
	}
	return properties
}
