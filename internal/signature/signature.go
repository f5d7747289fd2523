// Package signature computes and verifies HMAC-SHA256 message authentication
// codes over raw payload bytes. Both outbound webhook deliveries and inbound
// completion callbacks carry the signature in the form "sha256=<hex digest>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix identifies the digest algorithm in signature headers.
const Prefix = "sha256="

// Sign returns the signature header value for payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature over payload and compares it to
// header in constant time. Any mismatch, missing header, or malformed prefix
// yields false, never an error.
func Verify(payload []byte, header, secret string) bool {
	if !strings.HasPrefix(header, Prefix) {
		return false
	}
	supplied, err := hex.DecodeString(strings.TrimPrefix(header, Prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(supplied, mac.Sum(nil))
}
