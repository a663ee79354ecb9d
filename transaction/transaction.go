package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrConflict          = errors.New("transaction was modified concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateRef      = errors.New("provider reference already in use")
)

// Method identifies which provider handles a Transaction
type Method string

const (
	// mobile-money STK push
	MethodPushPayment Method = "STK_PUSH"
	// hosted card/bank checkout page
	MethodRedirectCheckout Method = "PAYSTACK"
)

func (m Method) Valid() bool {
	return m == MethodPushPayment || m == MethodRedirectCheckout
}

// Status of a Transaction's lifecycle
//
// Pending and Processing are the only non-terminal states. Once a Transaction reaches
// one of the terminal states it never changes status again.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimeout    Status = "TIMEOUT"
)

// NonTerminal lists the statuses a Transaction may still move out of
var NonTerminal = []Status{StatusPending, StatusProcessing}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusProcessing || s.Terminal()
}

// CanTransition reports whether a Transaction may move from s to next.
// Staying in the same status is always permitted so payload-only refreshes pass.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.Terminal()
	case StatusProcessing:
		return next.Terminal()
	}
	return false
}

// Transaction is a single payment attempt dispatched to exactly one provider
type Transaction struct {
	ID          string          `db:"id"`
	InitiatorID string          `db:"initiator_id"`
	Amount      decimal.Decimal `db:"amount"`
	Method      Method          `db:"method"`
	Status      Status          `db:"status"`
	// normalized phone (push payment) or email (redirect checkout)
	CustomerIdentifier string `db:"customer_identifier"`
	// push-payment checkout request id
	CheckoutRequestID *string `db:"checkout_request_id"`
	// redirect-checkout reference
	CheckoutReference *string `db:"checkout_reference"`
	// last seen provider response or callback body, kept for audit
	RawProviderPayload []byte    `db:"raw_provider_payload"`
	FailureReason      string    `db:"failure_reason"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Reference returns the external reference matching the Transaction's method
func (t *Transaction) Reference() string {
	var ref *string
	switch t.Method {
	case MethodPushPayment:
		ref = t.CheckoutRequestID
	case MethodRedirectCheckout:
		ref = t.CheckoutReference
	}
	if ref == nil {
		return ""
	}
	return *ref
}

// SetReference stores ref in the column matching the Transaction's method
func (t *Transaction) SetReference(ref string) {
	switch t.Method {
	case MethodPushPayment:
		t.CheckoutRequestID = &ref
	case MethodRedirectCheckout:
		t.CheckoutReference = &ref
	}
}

// Clone returns a deep copy so callers can't alias repository state
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.CheckoutRequestID != nil {
		v := *t.CheckoutRequestID
		c.CheckoutRequestID = &v
	}
	if t.CheckoutReference != nil {
		v := *t.CheckoutReference
		c.CheckoutReference = &v
	}
	if t.RawProviderPayload != nil {
		c.RawProviderPayload = append([]byte(nil), t.RawProviderPayload...)
	}
	return &c
}

// Mutator changes a copy of a Transaction inside a conditional update
type Mutator func(*Transaction) error

// checkMutation enforces the invariants a mutator may not break
func checkMutation(before, after *Transaction) error {
	if after.ID != before.ID ||
		after.InitiatorID != before.InitiatorID ||
		!after.Amount.Equal(before.Amount) ||
		after.Method != before.Method ||
		after.CustomerIdentifier != before.CustomerIdentifier ||
		!after.CreatedAt.Equal(before.CreatedAt) {
		return fmt.Errorf("%w: immutable field changed", ErrInvalidTransition)
	}
	if !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	if !sameRef(before.CheckoutRequestID, after.CheckoutRequestID) && before.CheckoutRequestID != nil {
		return fmt.Errorf("%w: checkout request id reassigned", ErrInvalidTransition)
	}
	if !sameRef(before.CheckoutReference, after.CheckoutReference) && before.CheckoutReference != nil {
		return fmt.Errorf("%w: checkout reference reassigned", ErrInvalidTransition)
	}
	switch after.Method {
	case MethodPushPayment:
		if after.CheckoutReference != nil {
			return fmt.Errorf("%w: checkout reference on push payment", ErrInvalidTransition)
		}
	case MethodRedirectCheckout:
		if after.CheckoutRequestID != nil {
			return fmt.Errorf("%w: checkout request id on redirect checkout", ErrInvalidTransition)
		}
	}
	return nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func expects(expected []Status, current Status) bool {
	if len(expected) == 0 {
		return true
	}
	for _, s := range expected {
		if s == current {
			return true
		}
	}
	return false
}
