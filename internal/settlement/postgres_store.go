package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists settlement records and an append-only transition
// log. The log is what support works from when reconciling
// paid_but_unfulfilled payments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS settlement_records (
    request_id TEXT PRIMARY KEY,
    on_chain_state TEXT NOT NULL,
    fulfillment_state TEXT NOT NULL,
    overall_status TEXT NOT NULL,
    approval_tx_hash TEXT NOT NULL DEFAULT '',
    purchase_tx_hash TEXT NOT NULL DEFAULT '',
    provider_transaction_id BIGINT NOT NULL DEFAULT 0,
    custom_identifier TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settlement_transitions (
    id BIGSERIAL PRIMARY KEY,
    request_id TEXT NOT NULL,
    on_chain_state TEXT NOT NULL,
    fulfillment_state TEXT NOT NULL,
    overall_status TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS settlement_records_status_idx
    ON settlement_records (overall_status);
`

// NewPostgresStore connects using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, requestID string) (*SettlementRecord, error) {
	row := p.pool.QueryRow(ctx, `
SELECT request_id, on_chain_state, fulfillment_state, overall_status,
       approval_tx_hash, purchase_tx_hash, provider_transaction_id,
       custom_identifier, created_at, updated_at, last_error
FROM settlement_records
WHERE request_id = $1
`, requestID)

	var rec SettlementRecord
	if err := row.Scan(
		&rec.RequestID, &rec.OnChainState, &rec.FulfillmentState, &rec.OverallStatus,
		&rec.ApprovalTxHash, &rec.PurchaseTxHash, &rec.ProviderTransactionID,
		&rec.CustomIdentifier, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastError,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Create claims the request id with an insert that yields to any existing
// row. Zero rows affected means another submission won the race.
func (p *PostgresStore) Create(ctx context.Context, record SettlementRecord) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
INSERT INTO settlement_records (
    request_id, on_chain_state, fulfillment_state, overall_status,
    approval_tx_hash, purchase_tx_hash, provider_transaction_id,
    custom_identifier, created_at, updated_at, last_error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (request_id) DO NOTHING
`,
		record.RequestID, record.OnChainState, record.FulfillmentState, record.OverallStatus,
		record.ApprovalTxHash, record.PurchaseTxHash, record.ProviderTransactionID,
		record.CustomIdentifier, record.CreatedAt, record.UpdatedAt, record.LastError,
	)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO settlement_transitions (request_id, on_chain_state, fulfillment_state, overall_status, recorded_at)
VALUES ($1, $2, $3, $4, $5)
`, record.RequestID, record.OnChainState, record.FulfillmentState, record.OverallStatus, time.Now().UTC()); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func (p *PostgresStore) Save(ctx context.Context, record SettlementRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO settlement_records (
    request_id, on_chain_state, fulfillment_state, overall_status,
    approval_tx_hash, purchase_tx_hash, provider_transaction_id,
    custom_identifier, created_at, updated_at, last_error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (request_id) DO UPDATE
SET on_chain_state = EXCLUDED.on_chain_state,
    fulfillment_state = EXCLUDED.fulfillment_state,
    overall_status = EXCLUDED.overall_status,
    approval_tx_hash = EXCLUDED.approval_tx_hash,
    purchase_tx_hash = EXCLUDED.purchase_tx_hash,
    provider_transaction_id = EXCLUDED.provider_transaction_id,
    custom_identifier = EXCLUDED.custom_identifier,
    updated_at = EXCLUDED.updated_at,
    last_error = EXCLUDED.last_error
`,
		record.RequestID, record.OnChainState, record.FulfillmentState, record.OverallStatus,
		record.ApprovalTxHash, record.PurchaseTxHash, record.ProviderTransactionID,
		record.CustomIdentifier, record.CreatedAt, record.UpdatedAt, record.LastError,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO settlement_transitions (request_id, on_chain_state, fulfillment_state, overall_status, recorded_at)
VALUES ($1, $2, $3, $4, $5)
`, record.RequestID, record.OnChainState, record.FulfillmentState, record.OverallStatus, time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]SettlementRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT request_id, on_chain_state, fulfillment_state, overall_status,
       approval_tx_hash, purchase_tx_hash, provider_transaction_id,
       custom_identifier, created_at, updated_at, last_error
FROM settlement_records
WHERE overall_status = $1
ORDER BY created_at
`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementRecord
	for rows.Next() {
		var rec SettlementRecord
		if err := rows.Scan(
			&rec.RequestID, &rec.OnChainState, &rec.FulfillmentState, &rec.OverallStatus,
			&rec.ApprovalTxHash, &rec.PurchaseTxHash, &rec.ProviderTransactionID,
			&rec.CustomIdentifier, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastError,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
