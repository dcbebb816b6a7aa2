// Package webhook signs and verifies callback bodies sent by the payment
// collaborator.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries hex(hmac_sha256(secret, body)).
const SignatureHeader = "X-Signature"

// Verify reports whether signature matches payload under secret. An empty
// secret never verifies.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	given, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}

	return hmac.Equal(given, sum(payload, secret))
}

// Sign returns the hex signature of payload.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	return hex.EncodeToString(sum(payload, secret))
}

func sum(payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}
