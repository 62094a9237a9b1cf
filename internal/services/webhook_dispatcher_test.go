package services

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"paycat/internal/crypto"
	"paycat/internal/database"
	"paycat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mutex      sync.Mutex
	deadLetter []string
}

func (a *recordingAlerter) NotifyDeadLetter(_ *models.App, _ *models.Webhook, delivery *models.WebhookDelivery) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.deadLetter = append(a.deadLetter, delivery.DeliveryID)
}

func newTestWebhook(t *testing.T, appID, url, filter string) *models.Webhook {
	t.Helper()
	webhook := &models.Webhook{
		AppID:       appID,
		URL:         url,
		Secret:      "whsec_test_secret",
		EventFilter: filter,
		Active:      true,
	}
	require.NoError(t, database.CreateWebhook(webhook))
	return webhook
}

func testDomainEvent(eventType string) *models.DomainEvent {
	return models.NewDomainEvent(eventType, models.DomainEventData{
		AppUserID:    "user_1",
		SubscriberID: 1,
		Entitlements: map[string]bool{"pro": true},
	})
}

func TestDispatchDeliversSignedEvent(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	type captured struct {
		body    []byte
		headers http.Header
	}
	got := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "*")

	now := time.Now()
	d := NewWebhookDispatcher(nil)
	d.now = fixedClock(now)

	require.NoError(t, d.Dispatch(app, testDomainEvent(models.EventRenewal)))

	var req captured
	select {
	case req = <-got:
	case <-time.After(time.Second):
		t.Fatal("endpoint was never called")
	}

	assert.Equal(t, "PayCat-Webhook/1.0", req.headers.Get("User-Agent"))
	assert.Equal(t, models.EventRenewal, req.headers.Get("X-PayCat-Event"))
	assert.NotEmpty(t, req.headers.Get("X-PayCat-Delivery-ID"))
	assert.NoError(t, crypto.VerifyStripeSignature(
		req.headers.Get("X-PayCat-Signature"), req.body, webhook.Secret, now))

	event, err := models.UnmarshalDomainEvent(req.body)
	require.NoError(t, err)
	assert.Equal(t, models.EventRenewal, event.Type)
	assert.Equal(t, "user_1", event.Data.AppUserID)

	deliveries, err := database.GetWebhookDeliveries(webhook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.NotNil(t, deliveries[0].DeliveredAt)
	assert.Nil(t, deliveries[0].NextRetryAt)
	assert.Equal(t, 1, deliveries[0].Attempts)
	assert.Equal(t, http.StatusOK, deliveries[0].ResponseStatus)
}

func TestAttemptCountsDeliveringAttempt(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 4 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "*")

	d := NewWebhookDispatcher(nil)
	require.NoError(t, d.Dispatch(app, testDomainEvent(models.EventRenewal)))

	deliveries, err := database.GetWebhookDeliveries(webhook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	delivery := &deliveries[0]
	assert.Equal(t, 1, delivery.Attempts)

	for i := 0; i < 3; i++ {
		assert.Error(t, d.Attempt(app, webhook, delivery))
	}
	assert.Equal(t, 4, delivery.Attempts)
	assert.Nil(t, delivery.DeliveredAt)

	// The fifth attempt lands and counts itself.
	require.NoError(t, d.Attempt(app, webhook, delivery))
	assert.Equal(t, 5, delivery.Attempts)
	assert.NotNil(t, delivery.DeliveredAt)
	assert.Nil(t, delivery.NextRetryAt)

	var saved models.WebhookDelivery
	require.NoError(t, database.DB.Where("delivery_id = ?", delivery.DeliveryID).First(&saved).Error)
	assert.Equal(t, 5, saved.Attempts)
	assert.NotNil(t, saved.DeliveredAt)
}

func TestDispatchHonorsEventFilter(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "renewal,refund")

	d := NewWebhookDispatcher(nil)
	require.NoError(t, d.Dispatch(app, testDomainEvent(models.EventTrialStarted)))

	assert.Zero(t, calls)
	deliveries, err := database.GetWebhookDeliveries(webhook.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestAttemptFailureFollowsRetrySchedule(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "*")

	now := time.Now()
	d := NewWebhookDispatcher(nil)
	d.now = fixedClock(now)

	require.NoError(t, d.Dispatch(app, testDomainEvent(models.EventRenewal)))

	deliveries, err := database.GetWebhookDeliveries(webhook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	delivery := &deliveries[0]

	assert.Equal(t, 1, delivery.Attempts)
	assert.Nil(t, delivery.DeliveredAt)
	require.NotNil(t, delivery.NextRetryAt)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), *delivery.NextRetryAt)

	// Second failure pushes the next attempt out to five minutes.
	assert.Error(t, d.Attempt(app, webhook, delivery))
	assert.Equal(t, 2, delivery.Attempts)
	require.NotNil(t, delivery.NextRetryAt)
	assert.Equal(t, now.Add(5*time.Minute).UnixMilli(), *delivery.NextRetryAt)

	// Third failure: thirty minutes.
	assert.Error(t, d.Attempt(app, webhook, delivery))
	require.NotNil(t, delivery.NextRetryAt)
	assert.Equal(t, now.Add(30*time.Minute).UnixMilli(), *delivery.NextRetryAt)
}

func TestAttemptDeadLettersAfterCeiling(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "*")

	alerts := &recordingAlerter{}
	d := NewWebhookDispatcher(alerts)

	nowMs := time.Now().UnixMilli()
	delivery := &models.WebhookDelivery{
		DeliveryID:  "dl-dead",
		WebhookID:   webhook.ID,
		AppID:       app.AppID,
		EventType:   models.EventRenewal,
		Payload:     `{"type":"renewal"}`,
		Attempts:    models.MaxDeliveryAttempts - 1,
		NextRetryAt: &nowMs,
	}
	require.NoError(t, database.CreateWebhookDelivery(delivery))

	assert.Error(t, d.Attempt(app, webhook, delivery))

	assert.Equal(t, models.MaxDeliveryAttempts, delivery.Attempts)
	assert.Nil(t, delivery.DeliveredAt)
	assert.Nil(t, delivery.NextRetryAt)
	assert.Equal(t, []string{"dl-dead"}, alerts.deadLetter)

	// Dead-lettered deliveries never come back as due.
	due, err := database.GetDueWebhookDeliveries(time.Now().Add(48*time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAttemptTruncatesResponseBody(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 4000)))
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "*")

	d := NewWebhookDispatcher(nil)
	require.NoError(t, d.Dispatch(app, testDomainEvent(models.EventRenewal)))

	deliveries, err := database.GetWebhookDeliveries(webhook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Len(t, deliveries[0].ResponseBody, maxResponseBodyBytes)
	assert.Equal(t, http.StatusBadRequest, deliveries[0].ResponseStatus)
}

func TestRetryRunnerSweepRedelivers(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, app.AppID, server.URL, "*")

	past := time.Now().Add(-time.Minute).UnixMilli()
	delivery := &models.WebhookDelivery{
		DeliveryID:  "dl-retry",
		WebhookID:   webhook.ID,
		AppID:       app.AppID,
		EventType:   models.EventRenewal,
		Payload:     `{"type":"renewal"}`,
		Attempts:    2,
		NextRetryAt: &past,
	}
	require.NoError(t, database.CreateWebhookDelivery(delivery))

	runner := NewRetryRunner(NewWebhookDispatcher(nil), time.Hour, 50)
	runner.Sweep()

	assert.Equal(t, 1, calls)

	var saved models.WebhookDelivery
	require.NoError(t, database.DB.Where("delivery_id = ?", "dl-retry").First(&saved).Error)
	assert.NotNil(t, saved.DeliveredAt)
	assert.Nil(t, saved.NextRetryAt)
}

func TestRetryRunnerParksInactiveWebhook(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")

	webhook := newTestWebhook(t, app.AppID, "https://hooks.example.com/paycat", "*")
	require.NoError(t, database.DeactivateWebhook(app.AppID, webhook.ID))

	past := time.Now().Add(-time.Minute).UnixMilli()
	delivery := &models.WebhookDelivery{
		DeliveryID:  "dl-parked",
		WebhookID:   webhook.ID,
		AppID:       app.AppID,
		EventType:   models.EventRenewal,
		Payload:     `{}`,
		Attempts:    1,
		NextRetryAt: &past,
	}
	require.NoError(t, database.CreateWebhookDelivery(delivery))

	runner := NewRetryRunner(NewWebhookDispatcher(nil), time.Hour, 50)
	runner.Sweep()

	var saved models.WebhookDelivery
	require.NoError(t, database.DB.Where("delivery_id = ?", "dl-parked").First(&saved).Error)
	assert.Nil(t, saved.NextRetryAt)
	assert.Nil(t, saved.DeliveredAt)
	assert.Equal(t, 1, saved.Attempts)
}
