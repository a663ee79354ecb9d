package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"reconciler/internal/journal"
	"reconciler/provider/daraja"
	"reconciler/provider/paystack"
	"reconciler/transaction"
	"reconciler/webhook"
)

// PushStatus maps a push-payment result code to a transaction status
func PushStatus(code int) transaction.Status {
	switch code {
	case daraja.ResultSuccess:
		return transaction.StatusCompleted
	case daraja.ResultCancelled:
		return transaction.StatusCancelled
	case daraja.ResultTimeout:
		return transaction.StatusTimeout
	}
	return transaction.StatusFailed
}

// HandlePushCallback applies an STK callback body. token is the shared callback
// token presented by the caller.
//
// Unknown references return transaction.ErrNotFound; callers acknowledge them like
// any other outcome so the provider stops retrying.
func (e *Engine) HandlePushCallback(ctx context.Context, body []byte, token string) (*transaction.Transaction, error) {
	if !webhook.VerifyToken(token, e.CallbackToken) {
		return nil, ErrWebhookRejected
	}

	cb, err := daraja.ParseCallback(body)
	if err != nil {
		return nil, err
	}
	code := int(*cb.ResultCode)

	log := e.Logger.With().
		Str("source", journal.SourcePushCallback).
		Str("reference", cb.CheckoutRequestID).
		Int("result_code", code).
		Logger()

	t, ok, err := e.Repo.FindByReference(ctx, cb.CheckoutRequestID)
	if err != nil {
		return nil, fmt.Errorf("looking up reference: %w", err)
	}
	if !ok || t.Method != transaction.MethodPushPayment {
		log.Warn().Msg("callback for unknown reference")
		return nil, fmt.Errorf("reference %s: %w", cb.CheckoutRequestID, transaction.ErrNotFound)
	}

	o := outcome{
		source: journal.SourcePushCallback,
		status: PushStatus(code),
		reason: reason(cb.ResultDesc, code),
		raw:    body,
	}
	if amount, ok := cb.Amount(); ok {
		o.paid = &amount
	}

	return e.settleLogged(ctx, log, t.ID, o)
}

// HandleCheckoutEvent applies a redirect-checkout webhook event after checking its
// signature. Event types that can't change a status are acknowledged with a nil
// transaction and error.
func (e *Engine) HandleCheckoutEvent(ctx context.Context, body []byte, signature string) (*transaction.Transaction, error) {
	if !webhook.Authenticate(body, signature, e.WebhookSecret) {
		return nil, ErrWebhookRejected
	}

	event, err := paystack.ParseEvent(body)
	if err != nil {
		return nil, err
	}

	log := e.Logger.With().
		Str("source", journal.SourceCheckoutEvent).
		Str("event", event.Event).
		Str("reference", event.Data.Reference).
		Logger()

	if !event.Actionable() {
		log.Debug().Msg("event ignored")
		return nil, nil
	}
	if event.Data.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", paystack.ErrMalformedEvent)
	}

	t, ok, err := e.Repo.FindByReference(ctx, event.Data.Reference)
	if err != nil {
		return nil, fmt.Errorf("looking up reference: %w", err)
	}
	if !ok || t.Method != transaction.MethodRedirectCheckout {
		log.Warn().Msg("event for unknown reference")
		return nil, fmt.Errorf("reference %s: %w", event.Data.Reference, transaction.ErrNotFound)
	}

	o := outcome{
		source: journal.SourceCheckoutEvent,
		status: transaction.StatusFailed,
		raw:    body,
	}
	if event.Paid() {
		o.status = transaction.StatusCompleted
		paid := event.Amount()
		o.paid = &paid
	} else {
		o.reason = event.Data.GatewayResponse
		if o.reason == "" {
			o.reason = event.Event + ": " + event.Data.Status
		}
	}

	return e.settleLogged(ctx, log, t.ID, o)
}

func (e *Engine) settleLogged(ctx context.Context, log zerolog.Logger, id string, o outcome) (*transaction.Transaction, error) {
	t, err := e.settle(ctx, id, o)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", id).Msg("applying outcome")
		return nil, err
	}
	return t, nil
}

func reason(desc string, code int) string {
	if desc != "" {
		return desc
	}
	return "result code " + strconv.Itoa(code)
}
