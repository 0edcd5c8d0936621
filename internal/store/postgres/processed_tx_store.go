package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// ProcessedTxStore implements domain.ProcessedTxStore using PostgreSQL. It
// only reads; the authoritative insert happens inside the LobbyStore's
// funding transaction.
type ProcessedTxStore struct {
	pool *pgxpool.Pool
}

// NewProcessedTxStore creates a new ProcessedTxStore backed by the given pool.
func NewProcessedTxStore(pool *pgxpool.Pool) *ProcessedTxStore {
	return &ProcessedTxStore{pool: pool}
}

// Exists reports whether the signature has already been consumed. It is a
// cheap pre-check ahead of the slow chain verification; the transactional
// insert remains the source of truth.
func (s *ProcessedTxStore) Exists(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_transactions WHERE signature = $1)`,
		signature,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check signature %s: %w", signature, err)
	}
	return exists, nil
}

// ListSince returns processed transactions recorded strictly after the
// cursor, oldest first with the signature as tiebreaker. The row comparison
// keeps a page boundary from skipping records that share the boundary
// timestamp. Used by the audit archiver.
func (s *ProcessedTxStore) ListSince(ctx context.Context, after domain.TxCursor, opts domain.ListOpts) ([]domain.ProcessedTransaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT signature, payer_address, amount, recorded_at
		 FROM processed_transactions
		 WHERE (recorded_at, signature) > ($1, $2)
		 ORDER BY recorded_at ASC, signature ASC LIMIT $3`,
		after.RecordedAt, after.Signature, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list processed transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.ProcessedTransaction
	for rows.Next() {
		var t domain.ProcessedTransaction
		if err := rows.Scan(&t.Signature, &t.PayerAddress, &t.Amount, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan processed transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Compile-time interface check.
var _ domain.ProcessedTxStore = (*ProcessedTxStore)(nil)
