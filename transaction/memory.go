package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reconciler/transaction/options"
)

var _ TransactionRepo = (*MemoryTransactionRepo)(nil)

// MemoryTransactionRepo keeps transactions in process memory.
// Used by tests and when no database is configured.
type MemoryTransactionRepo struct {
	mu   sync.RWMutex
	rows map[string]*Transaction
	// external reference -> transaction id
	refs map[string]string
	now  func() time.Time
}

func NewMemoryRepo() *MemoryTransactionRepo {
	return &MemoryTransactionRepo{
		rows: make(map[string]*Transaction),
		refs: make(map[string]string),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryTransactionRepo) Create(_ context.Context, t *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t.ID = uuid.New().String()
	t.Status = StatusPending
	t.CheckoutRequestID = nil
	t.CheckoutReference = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	r.rows[t.ID] = t.Clone()

	return nil
}

func (r *MemoryTransactionRepo) FindById(_ context.Context, id string) (*Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.rows[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (r *MemoryTransactionRepo) FindByReference(_ context.Context, ref string) (*Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.refs[ref]
	if !ok {
		return nil, false, nil
	}
	return r.rows[id].Clone(), true, nil
}

func (r *MemoryTransactionRepo) Update(_ context.Context, id string, mutate Mutator, expected ...Status) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !expects(expected, current.Status) {
		return nil, fmt.Errorf("%w: status is %s", ErrConflict, current.Status)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkMutation(current, next); err != nil {
		return nil, err
	}

	ref := next.Reference()
	if ref != "" && current.Reference() == "" {
		if _, taken := r.refs[ref]; taken {
			return nil, ErrDuplicateRef
		}
		r.refs[ref] = id
	}

	next.UpdatedAt = r.now()
	r.rows[id] = next

	return next.Clone(), nil
}

func (r *MemoryTransactionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if ref := t.Reference(); ref != "" {
		delete(r.refs, ref)
	}
	delete(r.rows, id)

	return nil
}

func (r *MemoryTransactionRepo) Ping(context.Context) error {
	return nil
}

func (r *MemoryTransactionRepo) Find(_ context.Context, transactionOptions ...*options.TransactionOptions) ([]*Transaction, error) {
	opt := options.NewTransactionOptions()
	if len(transactionOptions) > 0 && transactionOptions[0] != nil {
		opt = transactionOptions[0]
	}

	r.mu.RLock()
	var result []*Transaction
	for _, t := range r.rows {
		if matches(opt, t) {
			result = append(result, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit, offset := opt.Page()
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func matches(opt *options.TransactionOptions, t *Transaction) bool {
	if len(opt.IDs) > 0 && !contains(opt.IDs, t.ID) {
		return false
	}
	if opt.InitiatorID != "" && opt.InitiatorID != t.InitiatorID {
		return false
	}
	if len(opt.Statuses) > 0 && !contains(opt.Statuses, string(t.Status)) {
		return false
	}
	if opt.Method != "" && opt.Method != string(t.Method) {
		return false
	}
	if opt.Amount != nil && !opt.Amount.Contains(t.Amount) {
		return false
	}
	if opt.Timestamp != nil && !opt.Timestamp.Contains(t.CreatedAt) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, each := range values {
		if each == v {
			return true
		}
	}
	return false
}
