// Package identifier validates and canonicalizes the customer identifier a provider
// needs to reach the payer: an MSISDN for push payments, an email address for
// redirect checkouts.
package identifier

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"reconciler/transaction"
)

// CountryCode prefixes every canonical MSISDN
const CountryCode = "254"

// subscriber numbers are 9 digits after the country code or trunk prefix
const subscriberDigits = 9

var ErrInvalidIdentifier = errors.New("invalid customer identifier")

// Normalize returns the canonical form of raw for the given method
func Normalize(raw string, method transaction.Method) (string, error) {
	switch method {
	case transaction.MethodPushPayment:
		return NormalizePhone(raw)
	case transaction.MethodRedirectCheckout:
		return NormalizeEmail(raw)
	}
	return "", fmt.Errorf("%w: unsupported method %q", ErrInvalidIdentifier, method)
}

// NormalizePhone accepts 0XXXXXXXXX, +254XXXXXXXXX, 254XXXXXXXXX or XXXXXXXXX and
// returns 254XXXXXXXXX
func NormalizePhone(raw string) (string, error) {
	phone := strings.Join(strings.Fields(raw), "")

	var subscriber string
	switch {
	case strings.HasPrefix(phone, "+"+CountryCode):
		subscriber = phone[len(CountryCode)+1:]
	case strings.HasPrefix(phone, CountryCode) && len(phone) == len(CountryCode)+subscriberDigits:
		subscriber = phone[len(CountryCode):]
	case strings.HasPrefix(phone, "0") && len(phone) == subscriberDigits+1:
		subscriber = phone[1:]
	default:
		subscriber = phone
	}

	if len(subscriber) != subscriberDigits || !digits(subscriber) || subscriber[0] == '0' {
		return "", fmt.Errorf("%w: %q is not a phone number", ErrInvalidIdentifier, raw)
	}

	return CountryCode + subscriber, nil
}

// NormalizeEmail trims and lowercases a syntactically valid address
func NormalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: %q is not an email address", ErrInvalidIdentifier, raw)
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", fmt.Errorf("%w: %q is not an email address", ErrInvalidIdentifier, raw)
	}

	return strings.ToLower(email), nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
