package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GoogleCertsURL serves the JWK set Google signs Pub/Sub push tokens
// with.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

const googleKeyCacheTTL = time.Hour

// googlePushClaims are the claims checked on a Pub/Sub push JWT.
type googlePushClaims struct {
	Iss   string `json:"iss"`
	Aud   string `json:"aud"`
	Exp   int64  `json:"exp"`
	Email string `json:"email"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwkKey `json:"keys"`
}

// GoogleKeySet verifies RS256 JWTs against Google's published JWK set.
// Keys are cached by kid for an hour and refreshed once when an unknown
// kid appears. Replacement is atomic behind the lock: readers see the
// prior set or the new one, never a torn one.
type GoogleKeySet struct {
	URL        string
	httpClient *http.Client

	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	mutex     sync.RWMutex
}

// NewGoogleKeySet creates a key set against the production certs URL.
func NewGoogleKeySet() *GoogleKeySet {
	return &GoogleKeySet{
		URL:        GoogleCertsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient overrides the fetch client (tests).
func (g *GoogleKeySet) SetHTTPClient(c *http.Client) {
	g.httpClient = c
}

// VerifyPushToken verifies a Google-signed Pub/Sub push JWT: RS256
// signature against the JWK set, issuer accounts.google.com, audience
// equal to the configured push endpoint, unexpired, and a service
// account email claim.
func (g *GoogleKeySet) VerifyPushToken(token string, expectedAudience string, now time.Time) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 parts, got %d", ErrSignatureInvalid, len(parts))
	}

	header, payload, err := DecodeJWS(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if header.Alg != "RS256" {
		return fmt.Errorf("%w: unexpected alg %q", ErrSignatureInvalid, header.Alg)
	}

	key, err := g.keyForKid(header.Kid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrSignatureInvalid, err)
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var claims googlePushClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("%w: claims: %v", ErrSignatureInvalid, err)
	}
	if claims.Iss != "accounts.google.com" && claims.Iss != "https://accounts.google.com" {
		return fmt.Errorf("%w: unexpected issuer %q", ErrSignatureInvalid, claims.Iss)
	}
	if expectedAudience != "" && claims.Aud != expectedAudience {
		return fmt.Errorf("%w: unexpected audience %q", ErrSignatureInvalid, claims.Aud)
	}
	if claims.Exp <= now.Unix() {
		return fmt.Errorf("%w: token expired", ErrSignatureInvalid)
	}
	if !strings.HasSuffix(claims.Email, ".iam.gserviceaccount.com") {
		return fmt.Errorf("%w: unexpected email claim %q", ErrSignatureInvalid, claims.Email)
	}

	return nil
}

// keyForKid resolves a verification key, refreshing the set once when
// the kid is unknown or the cache is stale.
func (g *GoogleKeySet) keyForKid(kid string) (*rsa.PublicKey, error) {
	g.mutex.RLock()
	key, exists := g.keys[kid]
	fresh := time.Since(g.fetchedAt) < googleKeyCacheTTL
	g.mutex.RUnlock()

	if exists && fresh {
		return key, nil
	}

	if err := g.refresh(); err != nil {
		return nil, err
	}

	g.mutex.RLock()
	key, exists = g.keys[kid]
	g.mutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return key, nil
}

func (g *GoogleKeySet) refresh() error {
	resp, err := g.httpClient.Get(g.URL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWK set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWK set fetch returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWK set: %w", err)
	}

	var set jwkSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("invalid JWK set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSA(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWK set has no usable RSA keys")
	}

	g.mutex.Lock()
	g.keys = keys
	g.fetchedAt = time.Now()
	g.mutex.Unlock()

	return nil
}

func jwkToRSA(k jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
