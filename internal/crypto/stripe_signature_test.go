package crypto

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripeHeader(t *testing.T, body []byte, secret string, ts int64) string {
	t.Helper()
	signingInput := []byte(fmt.Sprintf("%d.%s", ts, body))
	return fmt.Sprintf("t=%d,v1=%s", ts, HMACSHA256Hex([]byte(secret), signingInput))
}

func TestParseStripeSignatureHeader(t *testing.T) {
	sig, err := ParseStripeSignatureHeader("t=1492774577,v1=abc123,v1=def456,v0=ignored")
	require.NoError(t, err)
	assert.Equal(t, int64(1492774577), sig.Timestamp)
	assert.Equal(t, []string{"abc123", "def456"}, sig.Signatures)

	_, err = ParseStripeSignatureHeader("")
	assert.Error(t, err)

	_, err = ParseStripeSignatureHeader("v1=abc123")
	assert.Error(t, err)

	_, err = ParseStripeSignatureHeader("t=1492774577")
	assert.Error(t, err)
}

func TestVerifyStripeSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)

	header := stripeHeader(t, body, secret, now.Unix())
	assert.NoError(t, VerifyStripeSignature(header, body, secret, now))

	// Wrong secret rejects
	assert.Error(t, VerifyStripeSignature(header, body, "whsec_other", now))

	// Tampered body rejects
	assert.Error(t, VerifyStripeSignature(header, []byte(`{"id":"evt_2"}`), secret, now))
}

func TestVerifyStripeSignatureTolerance(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)

	// 299 seconds old accepts
	header := stripeHeader(t, body, secret, now.Unix()-299)
	assert.NoError(t, VerifyStripeSignature(header, body, secret, now))

	// Exactly 300 seconds old still accepts
	header = stripeHeader(t, body, secret, now.Unix()-300)
	assert.NoError(t, VerifyStripeSignature(header, body, secret, now))

	// 301 seconds old rejects even with a valid HMAC
	header = stripeHeader(t, body, secret, now.Unix()-301)
	assert.Error(t, VerifyStripeSignature(header, body, secret, now))

	// Future skew beyond tolerance rejects too
	header = stripeHeader(t, body, secret, now.Unix()+301)
	assert.Error(t, VerifyStripeSignature(header, body, secret, now))
}

func TestVerifyStripeSignatureMultipleV1(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)

	signingInput := []byte(fmt.Sprintf("%d.%s", now.Unix(), body))
	good := HMACSHA256Hex([]byte(secret), signingInput)
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), "deadbeef", good)
	assert.NoError(t, VerifyStripeSignature(header, body, secret, now))
}

func TestStripeSignatureHeaderRoundTrip(t *testing.T) {
	secret := "whsec_out"
	body := []byte(`{"id":"evt_out"}`)
	now := time.Unix(1700000100, 0)

	header := StripeSignatureHeader(body, secret, now)
	assert.NoError(t, VerifyStripeSignature(header, body, secret, now))
}
