package reconcile

import (
	"context"
	"fmt"

	"reconciler/internal/journal"
	"reconciler/transaction"
	"reconciler/transaction/options"
)

func (e *Engine) Get(ctx context.Context, p Principal, id string) (*transaction.Transaction, error) {
	return e.visible(ctx, p, id, "read")
}

// List returns transactions newest first. Unprivileged principals only ever see
// their own, whatever opt asks for.
func (e *Engine) List(ctx context.Context, p Principal, opt *options.TransactionOptions) ([]*transaction.Transaction, error) {
	if p.ID == "" {
		return nil, ErrUnauthenticated
	}
	if opt == nil {
		opt = options.NewTransactionOptions()
	}
	if !e.privileged(p, "list") {
		opt.SetInitiator(p.ID)
	}
	for _, s := range opt.Statuses {
		if !transaction.Status(s).Valid() {
			return nil, invalid("status", fmt.Sprintf("unknown status %q", s))
		}
	}
	if opt.Method != "" && !transaction.Method(opt.Method).Valid() {
		return nil, invalid("method", fmt.Sprintf("unknown payment method %q", opt.Method))
	}

	result, err := e.Repo.Find(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return result, nil
}

// AuditTrail returns every journaled provider interaction for a transaction, oldest
// first. Operators only.
func (e *Engine) AuditTrail(ctx context.Context, p Principal, id string) ([]*journal.Record, error) {
	if p.ID == "" {
		return nil, ErrUnauthenticated
	}
	if !e.privileged(p, "audit") {
		return nil, ErrPermissionDenied
	}

	_, ok, err := e.Repo.FindById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading transaction: %w", err)
	}
	if !ok {
		return nil, transaction.ErrNotFound
	}

	records, err := e.Journal.ForTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return records, nil
}

// Ping checks the engine's storage
func (e *Engine) Ping(ctx context.Context) error {
	return e.Repo.Ping(ctx)
}
