package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"reconciler/identifier"
	"reconciler/internal/journal"
	"reconciler/provider"
	"reconciler/transaction"
)

const (
	// writes of an accepted dispatch before giving up on the reference
	maxDispatchWrites    = 3
	dispatchRetryBackoff = 50 * time.Millisecond
)

// largest amount a NUMERIC(12,2) column holds
var maxAmount = decimal.New(1, 10).Sub(decimal.New(1, -2))

type CreateRequest struct {
	Method             transaction.Method
	Amount             decimal.Decimal
	CustomerIdentifier string
}

// Receipt is what the initiating caller learns about a dispatched transaction
type Receipt struct {
	Transaction *transaction.Transaction
	// hosted payment page for redirect checkouts
	CheckoutURL string
}

func (e *Engine) validate(req CreateRequest) (string, error) {
	if !req.Method.Valid() {
		return "", invalid("method", fmt.Sprintf("unsupported payment method %q", req.Method))
	}
	if e.initiator(req.Method) == nil {
		return "", invalid("method", fmt.Sprintf("payment method %s is not configured", req.Method))
	}
	if !req.Amount.IsPositive() {
		return "", invalid("amount", "must be positive")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return "", invalid("amount", "at most two decimal places")
	}
	if req.Amount.GreaterThan(maxAmount) {
		return "", invalid("amount", "too large")
	}
	// mobile money is collected in whole units
	if req.Method == transaction.MethodPushPayment && !req.Amount.Equal(req.Amount.Truncate(0)) {
		return "", invalid("amount", "must be a whole number for push payments")
	}

	normalized, err := identifier.Normalize(req.CustomerIdentifier, req.Method)
	if err != nil {
		return "", invalid("customer_identifier", err.Error())
	}

	return normalized, nil
}

// Create stores a Pending transaction and dispatches it to its provider.
//
// On a successful dispatch the transaction moves to Processing with the provider's
// reference. A failed push payment is kept as Failed since the provider may have seen
// it; a failed redirect checkout is deleted since no provider tracks it. Both failures
// return a ProviderError.
func (e *Engine) Create(ctx context.Context, p Principal, req CreateRequest) (*Receipt, error) {
	if p.ID == "" {
		return nil, ErrUnauthenticated
	}
	normalized, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	t := &transaction.Transaction{
		InitiatorID:        p.ID,
		Amount:             req.Amount,
		Method:             req.Method,
		CustomerIdentifier: normalized,
	}
	if err := e.Repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	e.Logger.Info().
		Str("transaction_id", t.ID).
		Str("status", string(t.Status)).
		Str("method", string(t.Method)).
		Str("source", journal.SourceCreate).
		Msg("transaction created")
	e.record(ctx, t, journal.SourceCreate, nil, "")

	return e.dispatch(ctx, t)
}

func (e *Engine) dispatch(ctx context.Context, t *transaction.Transaction) (*Receipt, error) {
	adapter := e.initiator(t.Method)

	callCtx, cancel := context.WithTimeout(ctx, e.ProviderTimeout)
	res := adapter.Initiate(callCtx, provider.InitiateRequest{
		TransactionID: t.ID,
		Amount:        t.Amount,
		Identifier:    t.CustomerIdentifier,
	})
	cancel()

	// the request reached the provider (or didn't) and that can't be undone,
	// so the outcome is persisted even if the caller has gone away
	ctx = context.WithoutCancel(ctx)

	if !res.Success {
		return nil, e.dispatchFailed(ctx, t, adapter.Name(), res)
	}

	updated, err := e.recordDispatch(ctx, t.ID, res)
	if errors.Is(err, transaction.ErrDuplicateRef) {
		res.Success = false
		res.Error = "provider returned a reference already in use"
		return nil, e.dispatchFailed(ctx, t, adapter.Name(), res)
	}
	if err != nil {
		return nil, e.dispatchLost(ctx, t, res, err)
	}

	e.Logger.Info().
		Str("transaction_id", updated.ID).
		Str("status", string(updated.Status)).
		Str("reference", res.Reference).
		Str("source", journal.SourceDispatch).
		Msg("transaction dispatched")
	e.record(ctx, updated, journal.SourceDispatch, res.Raw, "")

	return &Receipt{Transaction: updated, CheckoutURL: res.CheckoutURL}, nil
}

// recordDispatch stores the provider's reference, retrying writes that fail for
// reasons other than a reference clash
func (e *Engine) recordDispatch(ctx context.Context, id string, res provider.InitiateResult) (*transaction.Transaction, error) {
	var err error
	for attempt := 1; attempt <= maxDispatchWrites; attempt++ {
		var updated *transaction.Transaction
		updated, err = e.Repo.Update(ctx, id, func(tx *transaction.Transaction) error {
			tx.SetReference(res.Reference)
			tx.Status = transaction.StatusProcessing
			tx.RawProviderPayload = res.Raw
			return nil
		}, transaction.StatusPending)
		if err == nil || errors.Is(err, transaction.ErrDuplicateRef) || errors.Is(err, transaction.ErrConflict) {
			return updated, err
		}

		e.Logger.Warn().Err(err).
			Str("transaction_id", id).
			Int("attempt", attempt).
			Str("source", journal.SourceDispatch).
			Msg("recording dispatch failed")
		if attempt < maxDispatchWrites {
			time.Sleep(time.Duration(attempt) * dispatchRetryBackoff)
		}
	}
	return nil, err
}

// dispatchLost handles a dispatch the provider accepted but the store never recorded.
// The transaction is failed with the reference kept in its reason so it can be
// reconciled by hand; the reference and raw response are logged either way.
func (e *Engine) dispatchLost(ctx context.Context, t *transaction.Transaction, res provider.InitiateResult, cause error) error {
	e.Logger.Error().Err(cause).
		Str("transaction_id", t.ID).
		Str("reference", res.Reference).
		Bytes("raw", res.Raw).
		Str("source", journal.SourceDispatch).
		Str("tag", "reconciliation").
		Msg("dispatch accepted by provider but not recorded")

	failed, err := e.Repo.Update(ctx, t.ID, func(tx *transaction.Transaction) error {
		tx.Status = transaction.StatusFailed
		tx.FailureReason = "dispatch not recorded, provider reference " + res.Reference
		tx.RawProviderPayload = res.Raw
		return nil
	}, transaction.StatusPending)
	if err != nil {
		e.Logger.Error().Err(err).
			Str("transaction_id", t.ID).
			Str("reference", res.Reference).
			Msg("marking unrecorded dispatch failed")
		failed = t
	}
	// the journal is a separate store and may still take the reference
	e.record(ctx, failed, journal.SourceDispatch, res.Raw, "unrecorded reference "+res.Reference)

	return fmt.Errorf("recording dispatch: %w", cause)
}

func (e *Engine) dispatchFailed(ctx context.Context, t *transaction.Transaction, name string, res provider.InitiateResult) error {
	perr := &ProviderError{Provider: name, Detail: res.Error}

	log := e.Logger.Warn().
		Str("transaction_id", t.ID).
		Str("method", string(t.Method)).
		Str("source", journal.SourceDispatch).
		Str("detail", res.Error)

	if t.Method == transaction.MethodRedirectCheckout {
		if err := e.Repo.Delete(ctx, t.ID); err != nil && !errors.Is(err, transaction.ErrNotFound) {
			return fmt.Errorf("rolling back transaction: %w", err)
		}
		log.Msg("dispatch failed, transaction rolled back")
		failed := t.Clone()
		failed.Status = transaction.StatusFailed
		e.record(ctx, failed, journal.SourceDispatch, res.Raw, "rolled back: "+res.Error)
		return perr
	}

	updated, err := e.Repo.Update(ctx, t.ID, func(tx *transaction.Transaction) error {
		tx.Status = transaction.StatusFailed
		tx.FailureReason = res.Error
		tx.RawProviderPayload = res.Raw
		return nil
	}, transaction.StatusPending)
	if err != nil {
		return fmt.Errorf("recording failed dispatch: %w", err)
	}
	log.Str("status", string(updated.Status)).Msg("dispatch failed")
	e.record(ctx, updated, journal.SourceDispatch, res.Raw, "")

	return perr
}
