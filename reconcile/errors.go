package reconcile

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("unauthenticated")
	// an inbound callback failed its signature or token check
	ErrWebhookRejected = errors.New("webhook authentication failed")
)

// ValidationError reports bad input from the caller
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError reports a failed exchange with an external provider.
// Detail is safe to return to the initiating caller.
type ProviderError struct {
	Provider string
	Detail   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
