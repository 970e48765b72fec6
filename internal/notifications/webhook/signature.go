// Package webhook implements outbound webhook delivery: HMAC payload signing,
// HTTP POST with SSRF protection, bounded retries with exponential backoff,
// dead-lettering, and auto-deactivation of persistently failing endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Delivery headers. The signature covers the exact serialized body bytes.
const (
	HeaderEvent     = "X-CartoGraph-Event"
	HeaderSignature = "X-CartoGraph-Signature-256"
	HeaderDelivery  = "X-CartoGraph-Delivery"
)

// Sign computes the signature header value for a payload:
// "sha256=" followed by the lowercase hex HMAC-SHA256 of the body.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a payload against a signature header value in constant time.
// Receivers use the same scheme, so this also documents the contract for
// customer implementations.
func Verify(payload []byte, header string, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(header), []byte(expected))
}
