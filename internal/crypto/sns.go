package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SNSMessage is the AWS SNS delivery envelope.
type SNSMessage struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// ParseSNSMessage decodes an SNS envelope from a request body.
func ParseSNSMessage(body []byte) (*SNSMessage, error) {
	var msg SNSMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid SNS envelope: %w", err)
	}
	if msg.MessageID == "" || msg.Type == "" {
		return nil, fmt.Errorf("SNS envelope missing Type or MessageId")
	}
	return &msg, nil
}

// SNSVerifier verifies SNS envelope signatures. Signing certificates
// are fetched once and cached by URL.
type SNSVerifier struct {
	httpClient *http.Client
	hostSuffix string

	certCache map[string]*x509.Certificate
	mutex     sync.RWMutex
}

// NewSNSVerifier creates a verifier with a default HTTP client.
func NewSNSVerifier() *SNSVerifier {
	return &SNSVerifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		hostSuffix: ".amazonaws.com",
		certCache:  make(map[string]*x509.Certificate),
	}
}

// SetHTTPClient overrides the certificate fetch client (tests).
func (v *SNSVerifier) SetHTTPClient(c *http.Client) {
	v.httpClient = c
}

// Verify checks the envelope signature: the signing cert URL must be an
// https amazonaws.com URL, and the canonical string-to-sign must verify
// under RSASSA-PKCS1-v1_5/SHA-1 with the certificate's key.
func (v *SNSVerifier) Verify(msg *SNSMessage) error {
	if err := v.validateSigningCertURL(msg.SigningCertURL); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	cert, err := v.signingCertificate(msg.SigningCertURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate key is not RSA", ErrSignatureInvalid)
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrSignatureInvalid, err)
	}

	digest := sha1.Sum(msg.stringToSign())
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (v *SNSVerifier) validateSigningCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid SigningCertURL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("SigningCertURL is not https")
	}
	if !strings.HasSuffix(u.Hostname(), v.hostSuffix) {
		return fmt.Errorf("SigningCertURL host %q is not an %s host", u.Hostname(), v.hostSuffix)
	}
	return nil
}

// stringToSign builds the canonical byte sequence per the SNS spec;
// field order depends on the envelope Type.
func (m *SNSMessage) stringToSign() []byte {
	var fields [][2]string
	switch m.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		fields = [][2]string{
			{"Message", m.Message},
			{"MessageId", m.MessageID},
			{"SubscribeURL", m.SubscribeURL},
			{"Timestamp", m.Timestamp},
			{"Token", m.Token},
			{"TopicArn", m.TopicArn},
			{"Type", m.Type},
		}
	default: // Notification
		fields = [][2]string{
			{"Message", m.Message},
			{"MessageId", m.MessageID},
		}
		if m.Subject != "" {
			fields = append(fields, [2]string{"Subject", m.Subject})
		}
		fields = append(fields,
			[2]string{"Timestamp", m.Timestamp},
			[2]string{"TopicArn", m.TopicArn},
			[2]string{"Type", m.Type},
		)
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteString("\n")
		b.WriteString(f[1])
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func (v *SNSVerifier) signingCertificate(certURL string) (*x509.Certificate, error) {
	v.mutex.RLock()
	if cert, exists := v.certCache[certURL]; exists {
		v.mutex.RUnlock()
		return cert, nil
	}
	v.mutex.RUnlock()

	resp, err := v.httpClient.Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing certificate fetch returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing certificate: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing certificate: %w", err)
	}

	v.mutex.Lock()
	v.certCache[certURL] = cert
	v.mutex.Unlock()

	return cert, nil
}
