package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"paycat/pkg/logging"
)

// appleRootCAG3FingerprintSHA256 pins the Apple Root CA - G3 trust
// anchor. Apple operates multiple roots, so a mismatch logs rather than
// rejects unless StrictRoot is set.
const appleRootCAG3FingerprintSHA256 = "63343abfb89a6a03ebb57e9b3f5fa7be7c4f5c756f3017b3a8c488c3653e9179"

var ErrSignatureInvalid = errors.New("jws signature invalid")

// JWSHeader is the protected header of a compact JWS.
type JWSHeader struct {
	Alg string   `json:"alg"`
	Kid string   `json:"kid,omitempty"`
	X5c []string `json:"x5c,omitempty"`
}

// DecodeJWS splits a compact JWS without verifying it. Callers must
// verify before trusting the payload.
func DecodeJWS(token string) (*JWSHeader, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("invalid JWS: expected 3 parts, got %d", len(parts))
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid JWS header encoding: %w", err)
	}
	var header JWSHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, nil, fmt.Errorf("invalid JWS header: %w", err)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid JWS payload encoding: %w", err)
	}

	return &header, payload, nil
}

// JWSSignatureToDER converts a 64-byte JWS r||s signature into the DER
// form the curve verifier expects.
func JWSSignatureToDER(sig []byte) ([]byte, error) {
	if len(sig) != 64 {
		return nil, fmt.Errorf("invalid ES256 signature length: expected 64, got %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return asn1.Marshal(struct {
		R *big.Int
		S *big.Int
	}{r, s})
}

// AppleJWSVerifier verifies Apple's ES256-signed payloads by walking the
// x5c certificate chain embedded in each JWS header. Parsed chains are
// cached keyed by the leaf certificate text.
type AppleJWSVerifier struct {
	// StrictRoot rejects payloads whose chain does not terminate in the
	// pinned Apple root. Default is log-and-proceed.
	StrictRoot bool

	certCache map[string][]*x509.Certificate
	mutex     sync.RWMutex
}

// NewAppleJWSVerifier creates a verifier with an empty chain cache.
func NewAppleJWSVerifier() *AppleJWSVerifier {
	return &AppleJWSVerifier{
		certCache: make(map[string][]*x509.Certificate),
	}
}

// Verify checks a compact JWS signed by Apple and returns the decoded
// payload bytes. Any failure maps to ErrSignatureInvalid.
func (v *AppleJWSVerifier) Verify(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrSignatureInvalid, len(parts))
	}

	header, payload, err := DecodeJWS(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if header.Alg != "ES256" {
		return nil, fmt.Errorf("%w: unexpected alg %q", ErrSignatureInvalid, header.Alg)
	}
	if len(header.X5c) < 2 {
		return nil, fmt.Errorf("%w: x5c chain too short (%d)", ErrSignatureInvalid, len(header.X5c))
	}

	chain, err := v.certificateChain(header.X5c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if err := v.verifyChain(chain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	leafKey, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: leaf certificate key is not ECDSA P-256", ErrSignatureInvalid)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrSignatureInvalid, err)
	}
	der, err := JWSSignatureToDER(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	digest := sha256.Sum256(signingInput)
	if !ecdsa.VerifyASN1(leafKey, digest[:], der) {
		return nil, fmt.Errorf("%w: ES256 verification failed", ErrSignatureInvalid)
	}

	return payload, nil
}

// certificateChain parses and caches the x5c chain.
func (v *AppleJWSVerifier) certificateChain(x5c []string) ([]*x509.Certificate, error) {
	cacheKey := x5c[0]

	v.mutex.RLock()
	if chain, exists := v.certCache[cacheKey]; exists && len(chain) == len(x5c) {
		v.mutex.RUnlock()
		return chain, nil
	}
	v.mutex.RUnlock()

	chain := make([]*x509.Certificate, 0, len(x5c))
	for i, certB64 := range x5c {
		der, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d] encoding: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d] parse: %w", i, err)
		}
		chain = append(chain, cert)
	}

	v.mutex.Lock()
	v.certCache[cacheKey] = chain
	v.mutex.Unlock()

	return chain, nil
}

// verifyChain checks validity windows, issuer signatures, and the
// pinned-root policy.
func (v *AppleJWSVerifier) verifyChain(chain []*x509.Certificate) error {
	now := time.Now()
	for i, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d is expired or not yet valid", i)
		}
		if i+1 < len(chain) {
			if err := cert.CheckSignatureFrom(chain[i+1]); err != nil {
				return fmt.Errorf("certificate %d signature verification failed: %w", i, err)
			}
		}
	}

	root := chain[len(chain)-1]
	fingerprint := sha256.Sum256(root.Raw)
	if fmt.Sprintf("%x", fingerprint) != appleRootCAG3FingerprintSHA256 {
		if v.StrictRoot {
			return fmt.Errorf("trust anchor is not the pinned Apple root")
		}
		logging.Warnf("Apple JWS chain anchored to an unpinned root: %s", root.Subject.String())
	}

	return nil
}
