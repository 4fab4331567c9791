package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const secretPrefix = "whsec_"

var ErrSecretRequired = errors.New("webhook signing secret is required")

// Verifier authenticates inbound control-plane events against the shared
// webhook secret. It runs before any event is interpreted; failing requests
// never reach the lifecycle controller.
type Verifier struct {
	secret []byte
}

// NewVerifier decodes the configured secret. The "whsec_" prefix is
// stripped before base64-decoding; an unconfigured or malformed secret is a
// hard startup error, never silently bypassed.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, errors.New("webhook signing secret is not valid base64")
	}
	return &Verifier{secret: raw}, nil
}

// Verify reports whether the declared event id, timestamp and signature
// header authenticate the raw body.
//
// The signature header may carry multiple space-separated
// "version,signature" pairs for key rotation; the event is authentic if the
// computed digest matches any of them. Missing any header fails closed.
func (v *Verifier) Verify(eventID, timestamp, signatureHeader string, body []byte) bool {
	if eventID == "" || timestamp == "" || signatureHeader == "" {
		return false
	}

	expected := v.digest(eventID, timestamp, body)
	for _, pair := range strings.Fields(signatureHeader) {
		_, sig, ok := strings.Cut(pair, ",")
		if !ok {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// Sign computes the "v1,<base64 digest>" signature for a body. Used by
// local tooling and tests; the verify path never calls it.
func (v *Verifier) Sign(eventID, timestamp string, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.digest(eventID, timestamp, body))
}

func (v *Verifier) digest(eventID, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(eventID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
