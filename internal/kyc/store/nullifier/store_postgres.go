package nullifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"onchainkyc/internal/kyc/models"
	txcontext "onchainkyc/pkg/platform/tx"
)

// PostgresStore keeps nullifiers in kyc_nullifiers; the primary key makes the
// reservation an atomic insert-if-absent.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ReserveIfUnused(ctx context.Context, rec models.NullifierRecord) (*models.NullifierRecord, error) {
	query := `
		INSERT INTO kyc_nullifiers (nullifier, session_id, wallet, consumed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (nullifier) DO NOTHING
	`
	res, err := txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx, query, rec.Nullifier, rec.SessionID, rec.Wallet, rec.ConsumedAt)
	if err != nil {
		return nil, fmt.Errorf("reserve nullifier: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve nullifier: %w", err)
	}
	if rows == 1 {
		return nil, nil
	}
	existing, err := s.Find(ctx, rec.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("load nullifier holder: %w", err)
	}
	return existing, ErrAlreadyConsumed
}

func (s *PostgresStore) Find(ctx context.Context, nullifier string) (*models.NullifierRecord, error) {
	query := `
		SELECT nullifier, session_id, wallet, consumed_at
		FROM kyc_nullifiers
		WHERE nullifier = $1
	`
	var rec models.NullifierRecord
	err := txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx, query, nullifier).
		Scan(&rec.Nullifier, &rec.SessionID, &rec.Wallet, &rec.ConsumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find nullifier: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM kyc_nullifiers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nullifiers: %w", err)
	}
	return n, nil
}
