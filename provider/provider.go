// Package provider defines the contracts the reconciliation engine uses to talk to
// external payment providers.
//
// Adapter operations never return errors. Every network, protocol or decoding failure
// is folded into the result's failure variant so callers always get a structured answer.
package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// InitiateRequest asks a provider to start collecting Amount from Identifier
type InitiateRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	// normalized MSISDN or email
	Identifier string
}

// InitiateResult is the synchronous answer to a dispatch
type InitiateResult struct {
	Success bool
	// provider issued correlation id, set on success
	Reference string
	// hosted payment page for redirect checkouts
	CheckoutURL string
	// failure detail for the initiating caller
	Error string
	// response body as received, kept for audit
	Raw []byte
}

// QueryResult is the answer to a push-payment status query
type QueryResult struct {
	// the provider answered the query
	OK bool
	// the provider has no final result yet
	Pending    bool
	ResultCode int
	ResultDesc string
	Error      string
	Raw        []byte
}

// VerifyResult is the provider's authoritative view of a redirect checkout
type VerifyResult struct {
	OK bool
	// provider status, e.g. success, failed, abandoned
	Status     string
	AmountPaid decimal.Decimal
	Error      string
	Raw        []byte
}

// Initiator dispatches a payment request. Called at most once per transaction.
type Initiator interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) InitiateResult
}

// PushPayment is a provider that prompts the customer's device directly
type PushPayment interface {
	Initiator
	Query(ctx context.Context, reference string) QueryResult
}

// RedirectCheckout is a provider hosting its own payment page
type RedirectCheckout interface {
	Initiator
	Verify(ctx context.Context, reference string) VerifyResult
}
