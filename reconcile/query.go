package reconcile

import (
	"context"
	"errors"
	"fmt"

	"reconciler/internal/journal"
	"reconciler/provider/paystack"
	"reconciler/transaction"
)

// Query asks the push-payment provider for the result of a Processing transaction.
// Final and not yet dispatched transactions are returned without a provider call.
func (e *Engine) Query(ctx context.Context, p Principal, id string) (*transaction.Transaction, error) {
	t, err := e.visible(ctx, p, id, "query")
	if err != nil {
		return nil, err
	}
	if t.Method != transaction.MethodPushPayment {
		return nil, invalid("method", "status queries are only supported for push payments")
	}
	if e.PushPayment == nil {
		return nil, invalid("method", "push payments are not configured")
	}
	if t.Status != transaction.StatusProcessing {
		return t, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.ProviderTimeout)
	res := e.PushPayment.Query(callCtx, t.Reference())
	cancel()

	if !res.OK {
		e.Logger.Warn().
			Str("transaction_id", t.ID).
			Str("source", journal.SourceQuery).
			Str("detail", res.Error).
			Msg("status query failed")
		return nil, &ProviderError{Provider: e.PushPayment.Name(), Detail: res.Error}
	}

	if res.Pending {
		return e.keepWaiting(ctx, t, journal.SourceQuery, res.Raw)
	}

	return e.settle(ctx, t.ID, outcome{
		source: journal.SourceQuery,
		status: PushStatus(res.ResultCode),
		reason: reason(res.ResultDesc, res.ResultCode),
		raw:    res.Raw,
	}, transaction.StatusProcessing)
}

// CheckoutStatus maps a redirect-checkout verification status to a transaction
// status; ok is false while the checkout is still open
func CheckoutStatus(status string) (transaction.Status, bool) {
	switch status {
	case paystack.StatusSuccess:
		return transaction.StatusCompleted, true
	case "failed", "reversed":
		return transaction.StatusFailed, true
	case "abandoned":
		return transaction.StatusCancelled, true
	}
	return "", false
}

// Verify asks the redirect-checkout provider for its authoritative view of the
// transaction holding reference, and applies it over any non-terminal status.
func (e *Engine) Verify(ctx context.Context, p Principal, reference string) (*transaction.Transaction, error) {
	if p.ID == "" {
		return nil, ErrUnauthenticated
	}
	if e.RedirectCheckout == nil {
		return nil, invalid("method", "redirect checkouts are not configured")
	}

	t, ok, err := e.Repo.FindByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("looking up reference: %w", err)
	}
	if !ok || t.Method != transaction.MethodRedirectCheckout {
		return nil, transaction.ErrNotFound
	}
	if err := e.access(p, t, "verify"); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.ProviderTimeout)
	res := e.RedirectCheckout.Verify(callCtx, reference)
	cancel()

	if !res.OK {
		e.Logger.Warn().
			Str("transaction_id", t.ID).
			Str("source", journal.SourceVerify).
			Str("detail", res.Error).
			Msg("verification failed")
		return nil, &ProviderError{Provider: e.RedirectCheckout.Name(), Detail: res.Error}
	}

	status, final := CheckoutStatus(res.Status)
	if !final {
		return e.keepWaiting(ctx, t, journal.SourceVerify, res.Raw)
	}

	o := outcome{
		source: journal.SourceVerify,
		status: status,
		reason: "verification status " + res.Status,
		raw:    res.Raw,
	}
	if status == transaction.StatusCompleted {
		paid := res.AmountPaid
		o.paid = &paid
	}

	return e.settle(ctx, t.ID, o)
}

// keepWaiting stores a payload that carries no final result
func (e *Engine) keepWaiting(ctx context.Context, t *transaction.Transaction, source string, raw []byte) (*transaction.Transaction, error) {
	updated, err := e.Repo.Update(ctx, t.ID, func(tx *transaction.Transaction) error {
		tx.RawProviderPayload = raw
		return nil
	}, t.Status)
	if errors.Is(err, transaction.ErrConflict) {
		// a concurrent outcome landed first, report that instead
		current, ok, err := e.Repo.FindById(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, transaction.ErrNotFound
		}
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recording %s: %w", source, err)
	}

	e.Logger.Debug().
		Str("transaction_id", t.ID).
		Str("status", string(updated.Status)).
		Str("source", source).
		Msg("provider has no final result yet")
	e.record(ctx, updated, source, raw, "")

	return updated, nil
}
