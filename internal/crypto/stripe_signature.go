package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StripeSignatureTolerance is the maximum accepted skew between the
// signature timestamp and the local clock.
const StripeSignatureTolerance = 300 * time.Second

// StripeSignature is the parsed form of a Stripe-Signature header:
// a comma-separated list of t=<unix_seconds> and one or more v1=<hex>.
type StripeSignature struct {
	Timestamp  int64
	Signatures []string
}

// ParseStripeSignatureHeader parses the Stripe-Signature header grammar.
func ParseStripeSignatureHeader(header string) (*StripeSignature, error) {
	if header == "" {
		return nil, fmt.Errorf("missing signature header")
	}

	sig := &StripeSignature{}
	for _, item := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(item), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			t, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid signature timestamp: %w", err)
			}
			sig.Timestamp = t
		case "v1":
			sig.Signatures = append(sig.Signatures, parts[1])
		}
	}

	if sig.Timestamp == 0 {
		return nil, fmt.Errorf("signature header has no timestamp")
	}
	if len(sig.Signatures) == 0 {
		return nil, fmt.Errorf("signature header has no v1 signature")
	}
	return sig, nil
}

// VerifyStripeSignature checks a raw body against the header using the
// endpoint secret: |now - t| must be within tolerance and at least one
// v1 value must equal HMAC_SHA256(secret, "<t>.<body>").
func VerifyStripeSignature(header string, body []byte, secret string, now time.Time) error {
	sig, err := ParseStripeSignatureHeader(header)
	if err != nil {
		return err
	}

	skew := now.Unix() - sig.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(StripeSignatureTolerance/time.Second) {
		return fmt.Errorf("signature timestamp outside tolerance: %ds", skew)
	}

	signingInput := []byte(fmt.Sprintf("%d.%s", sig.Timestamp, body))
	for _, candidate := range sig.Signatures {
		if HMACVerify([]byte(secret), signingInput, candidate) {
			return nil
		}
	}
	return fmt.Errorf("no matching v1 signature")
}

// StripeSignatureHeader builds a header in the same grammar, used for
// outbound customer webhook signing and tests.
func StripeSignatureHeader(body []byte, secret string, now time.Time) string {
	t := now.Unix()
	signingInput := []byte(fmt.Sprintf("%d.%s", t, body))
	return fmt.Sprintf("t=%d,v1=%s", t, HMACSHA256Hex([]byte(secret), signingInput))
}
