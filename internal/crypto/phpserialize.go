package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"strings"
)

// PHPSerializeStringMap renders a string map as PHP serialize() output
// with keys in lexicographic order:
// a:N:{s:len:"k";s:len:"v";...}. Lengths are byte lengths as ASCII
// decimals. Paddle signs this exact byte sequence.
func PHPSerializeStringMap(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "a:%d:{", len(fields))
	for _, k := range keys {
		fmt.Fprintf(&b, "s:%d:\"%s\";s:%d:\"%s\";", len(k), k, len(fields[k]), fields[k])
	}
	b.WriteString("}")
	return []byte(b.String())
}

// ParseRSAPublicKeyPEM parses a PEM public key (PKIX or PKCS#1).
func ParseRSAPublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaKey, nil
}

// VerifyPaddleSignature verifies a Paddle webhook: fields are the posted
// form minus p_signature, signatureB64 is the base64 p_signature value,
// publicKeyPEM is the vendor's RSA key. The scheme is
// RSASSA-PKCS1-v1_5 over SHA-1 of the PHP-serialized field map.
func VerifyPaddleSignature(fields map[string]string, signatureB64 string, publicKeyPEM string) error {
	key, err := ParseRSAPublicKeyPEM(publicKeyPEM)
	if err != nil {
		return err
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	digest := sha1.Sum(PHPSerializeStringMap(fields))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
