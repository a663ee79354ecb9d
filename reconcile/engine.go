// Package reconcile drives a transaction from creation to a final status.
//
// Outcomes arrive from the synchronous dispatch response, provider webhooks, explicit
// status queries and manual verification, in any order and possibly more than once.
// Every status change is a conditional update keyed on the status the engine last
// observed, so concurrent reporters cannot overwrite each other: the first one to
// reach a terminal status wins and later reports only refresh the stored payload.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"reconciler/internal/journal"
	"reconciler/provider"
	"reconciler/transaction"
)

const (
	DefaultProviderTimeout = 30 * time.Second
	// a conflicting update is retried this many times before giving up
	maxSettleAttempts = 3
	// casbin object for every transaction privilege
	objectTransaction = "transaction"
)

// AmountPolicy decides what happens when a provider reports success for an amount
// different from the stored one
type AmountPolicy string

const (
	// log and journal the mismatch, apply the reported status
	AmountPolicyFlag AmountPolicy = "flag"
	// apply Failed instead of Completed
	AmountPolicyFail AmountPolicy = "fail"
)

func ParseAmountPolicy(s string) (AmountPolicy, error) {
	switch p := AmountPolicy(s); p {
	case AmountPolicyFlag, AmountPolicyFail:
		return p, nil
	case "":
		return AmountPolicyFlag, nil
	}
	return "", fmt.Errorf("unknown amount mismatch policy %q", s)
}

// Authorizer grants operator privileges. A nil error means allowed.
type Authorizer interface {
	Authorize(subject, object, action string) error
}

// Principal is the authenticated caller of a client-facing operation
type Principal struct {
	ID   string
	Role string
}

type Config struct {
	Repo             transaction.TransactionRepo
	PushPayment      provider.PushPayment
	RedirectCheckout provider.RedirectCheckout
	// nil means no principal is privileged
	Authorizer Authorizer
	// defaults to an in-memory journal
	Journal journal.Journal
	Logger  zerolog.Logger

	ProviderTimeout time.Duration
	AmountTolerance decimal.Decimal
	AmountPolicy    AmountPolicy

	// HMAC key for redirect-checkout events
	WebhookSecret string
	// shared token expected on push-payment callbacks, empty disables the check
	CallbackToken string
}

type Engine struct {
	Config
	now func() time.Time
}

func New(config Config) (*Engine, error) {
	if config.Repo == nil {
		return nil, errors.New("reconcile: repo is required")
	}
	if config.Journal == nil {
		config.Journal = journal.NewMemory()
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = DefaultProviderTimeout
	}
	if config.AmountTolerance.IsZero() {
		config.AmountTolerance = decimal.New(1, -2)
	}
	if config.AmountPolicy == "" {
		config.AmountPolicy = AmountPolicyFlag
	}

	return &Engine{
		Config: config,
		now:    time.Now,
	}, nil
}

func (e *Engine) initiator(m transaction.Method) provider.Initiator {
	switch m {
	case transaction.MethodPushPayment:
		if e.PushPayment != nil {
			return e.PushPayment
		}
	case transaction.MethodRedirectCheckout:
		if e.RedirectCheckout != nil {
			return e.RedirectCheckout
		}
	}
	return nil
}

// privileged reports whether p may perform action on any transaction
func (e *Engine) privileged(p Principal, action string) bool {
	if e.Authorizer == nil || p.Role == "" {
		return false
	}
	return e.Authorizer.Authorize(p.Role, objectTransaction, action) == nil
}

// visible loads a transaction the principal may act on
func (e *Engine) visible(ctx context.Context, p Principal, id, action string) (*transaction.Transaction, error) {
	if p.ID == "" {
		return nil, ErrUnauthenticated
	}

	t, ok, err := e.Repo.FindById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading transaction: %w", err)
	}
	if !ok {
		return nil, transaction.ErrNotFound
	}
	if err := e.access(p, t, action); err != nil {
		return nil, err
	}

	return t, nil
}

func (e *Engine) access(p Principal, t *transaction.Transaction, action string) error {
	if t.InitiatorID == p.ID || e.privileged(p, action) {
		return nil
	}
	return ErrPermissionDenied
}

// outcome is a provider's report about a transaction, normalized to a status
type outcome struct {
	source string
	status transaction.Status
	reason string
	raw    []byte
	// amount the provider says was paid, if it said
	paid *decimal.Decimal
}

// settle applies o to the transaction. A non-terminal transaction moves to o.status if
// it is still in one of expected (any non-terminal status when empty). A terminal one
// keeps its status and only takes the new payload.
func (e *Engine) settle(ctx context.Context, id string, o outcome, expected ...transaction.Status) (*transaction.Transaction, error) {
	if len(expected) == 0 {
		expected = transaction.NonTerminal
	}

	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		current, ok, err := e.Repo.FindById(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading transaction: %w", err)
		}
		if !ok {
			return nil, transaction.ErrNotFound
		}

		if current.Status.Terminal() {
			updated, err := e.refresh(ctx, current, o)
			if errors.Is(err, transaction.ErrConflict) {
				continue
			}
			return updated, err
		}

		if !in(expected, current.Status) {
			// not ours to move yet, e.g. a query racing its own dispatch
			e.Logger.Debug().
				Str("transaction_id", id).
				Str("status", string(current.Status)).
				Str("source", o.source).
				Msg("outcome not applicable")
			return current, nil
		}

		next := o
		anomaly := e.checkAmount(current, &next)

		updated, err := e.Repo.Update(ctx, id, func(t *transaction.Transaction) error {
			t.Status = next.status
			t.RawProviderPayload = next.raw
			if next.status.Terminal() && next.status != transaction.StatusCompleted {
				t.FailureReason = next.reason
			}
			return nil
		}, current.Status)
		if errors.Is(err, transaction.ErrConflict) {
			// someone else moved it first, look again
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("applying %s outcome: %w", o.source, err)
		}

		e.Logger.Info().
			Str("transaction_id", id).
			Str("status", string(updated.Status)).
			Str("source", o.source).
			Msg("transaction updated")
		e.record(ctx, updated, o.source, next.raw, anomaly)

		return updated, nil
	}

	return nil, fmt.Errorf("applying %s outcome: %w", o.source, transaction.ErrConflict)
}

// refresh stores o's payload on a terminal transaction without touching its status
func (e *Engine) refresh(ctx context.Context, current *transaction.Transaction, o outcome) (*transaction.Transaction, error) {
	var anomaly string
	if o.status.Terminal() && o.status != current.Status {
		anomaly = fmt.Sprintf("%s reported %s, kept %s", o.source, o.status, current.Status)
		e.Logger.Warn().
			Str("reconciliation", "conflicting_outcome").
			Str("transaction_id", current.ID).
			Str("status", string(current.Status)).
			Str("reported", string(o.status)).
			Str("source", o.source).
			Msg("conflicting outcome for final transaction")
	} else {
		e.Logger.Info().
			Str("transaction_id", current.ID).
			Str("status", string(current.Status)).
			Str("source", o.source).
			Msg("outcome replayed")
	}

	updated, err := e.Repo.Update(ctx, current.ID, func(t *transaction.Transaction) error {
		t.RawProviderPayload = o.raw
		return nil
	}, current.Status)
	if err != nil {
		return nil, err
	}
	e.record(ctx, updated, o.source, o.raw, anomaly)

	return updated, nil
}

// checkAmount compares a success report's amount with the stored one and applies
// the mismatch policy to o. Returns the anomaly to journal, if any.
func (e *Engine) checkAmount(t *transaction.Transaction, o *outcome) string {
	if o.paid == nil || o.status != transaction.StatusCompleted {
		return ""
	}
	if t.Amount.Sub(*o.paid).Abs().LessThanOrEqual(e.AmountTolerance) {
		return ""
	}

	anomaly := fmt.Sprintf("amount mismatch: expected %s, got %s", t.Amount.StringFixed(2), o.paid.StringFixed(2))
	e.Logger.Warn().
		Str("reconciliation", "amount_mismatch").
		Str("transaction_id", t.ID).
		Str("expected", t.Amount.StringFixed(2)).
		Str("paid", o.paid.StringFixed(2)).
		Str("policy", string(e.AmountPolicy)).
		Msg("amount mismatch")

	if e.AmountPolicy == AmountPolicyFail {
		o.status = transaction.StatusFailed
		o.reason = anomaly
	}

	return anomaly
}

// record journals an interaction. The transaction is already persisted, so a
// journal failure is logged rather than returned.
func (e *Engine) record(ctx context.Context, t *transaction.Transaction, source string, raw []byte, anomaly string) {
	_, err := e.Journal.Append(ctx, &journal.Record{
		TransactionId: t.ID,
		Source:        source,
		Status:        string(t.Status),
		Payload:       raw,
		RecordedAt:    e.now().UnixNano(),
		Anomaly:       anomaly,
	})
	if err != nil {
		e.Logger.Error().Err(err).
			Str("transaction_id", t.ID).
			Str("source", source).
			Msg("journaling provider interaction")
	}
}

func in(statuses []transaction.Status, s transaction.Status) bool {
	for _, each := range statuses {
		if each == s {
			return true
		}
	}
	return false
}
