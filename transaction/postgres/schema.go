package postgres

import "github.com/jmoiron/sqlx"

func createTransactionsTable(db *sqlx.DB) error {
	var schema = `
	CREATE TABLE IF NOT EXISTS transaction (
	id uuid DEFAULT uuid_generate_v4() PRIMARY KEY,
	initiator_id text NOT NULL,
	amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
	method text NOT NULL,
	status text NOT NULL DEFAULT 'PENDING',
	customer_identifier text NOT NULL,
	checkout_request_id text,
	checkout_reference text,
	raw_provider_payload bytea,
	failure_reason text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	CHECK (checkout_request_id IS NULL OR checkout_reference IS NULL)
	                         )
	`
	_, err := db.Exec(schema)
	if err != nil {
		return err
	}

	// references double as idempotency keys for inbound callbacks
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS transaction_checkout_request_id_idx
		ON transaction (checkout_request_id) WHERE checkout_request_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transaction_checkout_reference_idx
		ON transaction (checkout_reference) WHERE checkout_reference IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS transaction_initiator_status_idx ON transaction (initiator_id, status)`,
		`CREATE INDEX IF NOT EXISTS transaction_method_status_idx ON transaction (method, status)`,
		`CREATE INDEX IF NOT EXISTS transaction_created_at_idx ON transaction (created_at)`,
	}
	for _, stmt := range indexes {
		if _, err = db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
