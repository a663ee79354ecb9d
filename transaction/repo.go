package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"reconciler/transaction/options"
)

// Data store abstraction for persisting and querying transactions
//
// Lookups report absence through their boolean result rather than an error.
// Update applies mutate only while the stored status is one of expected (any status when
// expected is empty) and returns ErrConflict otherwise.
type TransactionRepo interface {
	Create(ctx context.Context, t *Transaction) error
	FindById(ctx context.Context, id string) (*Transaction, bool, error)
	FindByReference(ctx context.Context, ref string) (*Transaction, bool, error)
	Find(ctx context.Context, opts ...*options.TransactionOptions) ([]*Transaction, error)
	Update(ctx context.Context, id string, mutate Mutator, expected ...Status) (*Transaction, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

var _ TransactionRepo = (*PostgresTransactionRepo)(nil)

const (
	pqUniqueViolation  = "23505"
	pqInvalidTextValue = "22P02"
)

type PostgresTransactionRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresRepo(db *sqlx.DB) (*PostgresTransactionRepo, error) {
	r := &PostgresTransactionRepo{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	return r, nil
}

// Create inserts t as a new Pending transaction and fills in the generated id and timestamps
func (r *PostgresTransactionRepo) Create(ctx context.Context, t *Transaction) error {
	now := r.now()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	rows, err := r.db.NamedQueryContext(ctx,
		`INSERT INTO transaction (initiator_id, amount, method, status, customer_identifier,
		failure_reason, created_at, updated_at)
		VALUES (:initiator_id, :amount, :method, :status, :customer_identifier,
		:failure_reason, :created_at, :updated_at) RETURNING *`,
		t,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("inserting transaction: %w", err)
		}
		return errors.New("inserting transaction: no row returned")
	}

	return rows.StructScan(t)
}

func (r *PostgresTransactionRepo) FindById(ctx context.Context, id string) (*Transaction, bool, error) {
	return r.get(ctx, r.db, "SELECT * FROM transaction WHERE id = $1", id)
}

// FindByReference looks up a transaction by either external reference column
func (r *PostgresTransactionRepo) FindByReference(ctx context.Context, ref string) (*Transaction, bool, error) {
	return r.get(ctx, r.db,
		"SELECT * FROM transaction WHERE checkout_request_id = $1 OR checkout_reference = $1",
		ref,
	)
}

func (r *PostgresTransactionRepo) get(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*Transaction, bool, error) {
	var result Transaction
	err := sqlx.GetContext(ctx, q, &result, query, args...)
	if errors.Is(err, sql.ErrNoRows) || isPQCode(err, pqInvalidTextValue) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return &result, true, nil
}

// Update runs mutate against the locked row and writes back the mutable columns
func (r *PostgresTransactionRepo) Update(ctx context.Context, id string, mutate Mutator, expected ...Status) (*Transaction, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, ok, err := r.get(ctx, tx, "SELECT * FROM transaction WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !expects(expected, current.Status) {
		return nil, fmt.Errorf("%w: status is %s", ErrConflict, current.Status)
	}

	next := current.Clone()
	if err = mutate(next); err != nil {
		return nil, err
	}
	if err = checkMutation(current, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now()

	_, err = tx.NamedExecContext(ctx,
		`UPDATE transaction SET status = :status, checkout_request_id = :checkout_request_id,
		checkout_reference = :checkout_reference, raw_provider_payload = :raw_provider_payload,
		failure_reason = :failure_reason, updated_at = :updated_at WHERE id = :id`,
		next,
	)
	if isPQCode(err, pqUniqueViolation) {
		return nil, ErrDuplicateRef
	}
	if err != nil {
		return nil, fmt.Errorf("updating transaction: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	return next, nil
}

func (r *PostgresTransactionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM transaction WHERE id = $1", id)
	if isPQCode(err, pqInvalidTextValue) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *PostgresTransactionRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Executes a Find operation and returns a list of Transactions, newest first
// The `transactionOptions` can be used to specify options for the operation
func (r *PostgresTransactionRepo) Find(ctx context.Context, transactionOptions ...*options.TransactionOptions) ([]*Transaction, error) {
	var result []*Transaction
	// build query
	query := "SELECT * FROM transaction"

	opt := options.NewTransactionOptions()
	if len(transactionOptions) > 0 && transactionOptions[0] != nil {
		opt = transactionOptions[0]
	}

	filters := make(map[string]interface{})
	if len(opt.IDs) > 0 {
		filters["id"] = opt.IDs
	}
	if opt.InitiatorID != "" {
		filters["initiator_id"] = []string{opt.InitiatorID}
	}
	if len(opt.Statuses) > 0 {
		filters["status"] = opt.Statuses
	}
	if opt.Method != "" {
		filters["method"] = []string{opt.Method}
	}
	if opt.Amount != nil {
		filters["amount"] = opt.Amount
	}
	if opt.Timestamp != nil {
		filters["created_at"] = opt.Timestamp
	}

	var where []string
	namedParams := make(map[string]interface{})

	updateQueryParams := func(stmt, key string, value interface{}) {
		where = append(where, stmt)
		namedParams[key] = value
	}

	for columnName, arg := range filters {
		switch v := arg.(type) {
		case options.Range:
			var key string

			from, ok := v.From()
			if ok {
				key = columnName + "_from"
				fromStmt := fmt.Sprintf("%s >= :%s", columnName, key)
				updateQueryParams(fromStmt, key, from)
			}
			to, ok := v.To()
			if ok {
				key = columnName + "_to"
				toStmt := fmt.Sprintf("%s <= :%s", columnName, key)
				updateQueryParams(toStmt, key, to)
			}

		default:
			stmt := fmt.Sprintf("%s in (:%s)", columnName, columnName)
			updateQueryParams(stmt, columnName, v)
		}
	}

	if len(where) > 0 {
		query = fmt.Sprintf("%s WHERE %s",
			query,
			strings.Join(where, " AND "),
		)
	}

	limit, offset := opt.Page()
	query = fmt.Sprintf("%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d", query, limit, offset)

	query, args, err := sqlx.Named(query, namedParams)
	if err != nil {
		return nil, err
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)
	err = r.db.SelectContext(ctx, &result, query, args...)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func isPQCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
