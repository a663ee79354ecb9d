// Package webhook authenticates inbound provider callbacks before anything
// touches transaction state.
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw checkout webhook body
const SignatureHeader = "x-paystack-signature"

// Sign returns the hex encoded HMAC-SHA512 of body keyed with secret
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate reports whether signature is the HMAC of the unmodified body under secret.
// A missing signature or secret is a rejection.
func Authenticate(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// VerifyToken compares the shared token embedded in a callback URL.
// An empty expected token disables the check.
func VerifyToken(provided, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
