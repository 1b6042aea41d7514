package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"onchainkyc/internal/kyc/models"
	txcontext "onchainkyc/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists sessions in PostgreSQL.
// The partial unique index kyc_sessions_open_wallet_idx enforces one open
// session per wallet; transitions are conditional UPDATEs on the expected state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, wallet, state, requirements, scope, config_id, pending, result,
	created_at, updated_at, expires_at, committed_at`

func (s *PostgresStore) Create(ctx context.Context, sess *models.Session) error {
	if err := sess.CheckInvariants(); err != nil {
		return err
	}
	reqJSON, pendingJSON, resultJSON, err := encodePayloads(sess)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO kyc_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx, query,
		sess.ID, sess.Wallet, string(sess.State), reqJSON, sess.Scope, sess.ConfigID,
		nullableJSON(pendingJSON), nullableJSON(resultJSON), sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt, sess.CommittedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create session: %w", ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions WHERE id = $1`
	return s.findOne(ctx, "find session by id", query, id)
}

func (s *PostgresStore) FindOpenByWallet(ctx context.Context, wallet string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions
		WHERE wallet = $1 AND state = ANY($2)
		LIMIT 1`
	return s.findOne(ctx, "find open session", query, wallet, pq.Array(openStateNames()))
}

func (s *PostgresStore) FindLatestTerminalByWallet(ctx context.Context, wallet string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions
		WHERE wallet = $1 AND NOT (state = ANY($2))
		ORDER BY updated_at DESC
		LIMIT 1`
	return s.findOne(ctx, "find latest terminal session", query, wallet, pq.Array(openStateNames()))
}

func (s *PostgresStore) CountVerifiedByWallet(ctx context.Context, wallet string) (int64, error) {
	var n int64
	err := txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kyc_sessions WHERE wallet = $1 AND state = $2`,
		wallet, string(models.SessionStateVerified),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count verified sessions by wallet: %w", err)
	}
	return n, nil
}

// Transition reads the row, applies the mutator in Go and writes it back only
// if the state is still the expected one. A lost race surfaces as ErrStaleTransition.
func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, expected, next models.SessionState, mutate Mutator) (*models.Session, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := applyTransition(ctx, current, expected, next, mutate)
	if err != nil {
		return nil, err
	}
	_, pendingJSON, resultJSON, err := encodePayloads(updated)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE kyc_sessions
		SET state = $3, pending = $4, result = $5, updated_at = $6
		WHERE id = $1 AND state = $2
	`
	res, err := txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx, query,
		id, string(expected), string(next), nullableJSON(pendingJSON), nullableJSON(resultJSON), updated.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("transition session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition session rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("session %s left %s concurrently: %w", id, expected, ErrStaleTransition)
	}
	return updated, nil
}

func (s *PostgresStore) MarkCommitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if _, changed, err := applyCommit(current, at); err != nil || !changed {
		return err
	}
	_, err = txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx,
		`UPDATE kyc_sessions SET committed_at = $2 WHERE id = $1 AND state = $3 AND committed_at IS NULL`,
		id, at, string(models.SessionStateVerified),
	)
	if err != nil {
		return fmt.Errorf("mark session committed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByState(ctx context.Context, state models.SessionState, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions
		WHERE state = $1 ORDER BY created_at LIMIT $2`
	return s.findMany(ctx, "list sessions by state", query, string(state), clampLimit(limit))
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions
		WHERE state = $1 AND expires_at <= $2 ORDER BY created_at LIMIT $3`
	return s.findMany(ctx, "list expired sessions", query, string(models.SessionStatePending), now, clampLimit(limit))
}

func (s *PostgresStore) ListUncommitted(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions
		WHERE state = $1 AND committed_at IS NULL ORDER BY created_at LIMIT $2`
	return s.findMany(ctx, "list uncommitted sessions", query, string(models.SessionStateVerified), clampLimit(limit))
}

func (s *PostgresStore) CountVerified(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kyc_sessions WHERE state = $1`, string(models.SessionStateVerified),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count verified sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountVerifiedWallets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT wallet) FROM kyc_sessions WHERE state = $1`, string(models.SessionStateVerified),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count verified wallets: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, args ...any) (*models.Session, error) {
	sess, err := scanSession(txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sess, nil
}

func (s *PostgresStore) findMany(ctx context.Context, op, query string, args ...any) ([]*models.Session, error) {
	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess        models.Session
		state       string
		reqJSON     []byte
		pendingJSON []byte
		resultJSON  []byte
		committedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.Wallet, &state, &reqJSON, &sess.Scope, &sess.ConfigID,
		&pendingJSON, &resultJSON, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt, &committedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.State = models.SessionState(state)
	if err := json.Unmarshal(reqJSON, &sess.Requirements); err != nil {
		return nil, fmt.Errorf("unmarshal requirements: %w", err)
	}
	if len(pendingJSON) > 0 {
		sess.Pending = &models.Pending{}
		if err := json.Unmarshal(pendingJSON, sess.Pending); err != nil {
			return nil, fmt.Errorf("unmarshal pending proof: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		sess.Result = &models.Result{}
		if err := json.Unmarshal(resultJSON, sess.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if committedAt.Valid {
		t := committedAt.Time
		sess.CommittedAt = &t
	}
	return &sess, nil
}

// encodePayloads marshals the JSONB columns. Absent payloads become SQL NULL.
func encodePayloads(sess *models.Session) (req, pending, result []byte, err error) {
	req, err = json.Marshal(sess.Requirements)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal requirements: %w", err)
	}
	if sess.Pending != nil {
		if pending, err = json.Marshal(sess.Pending); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal pending proof: %w", err)
		}
	}
	if sess.Result != nil {
		if result, err = json.Marshal(sess.Result); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return req, pending, result, nil
}

func openStateNames() []string {
	names := make([]string, len(models.OpenStates))
	for i, st := range models.OpenStates {
		names[i] = string(st)
	}
	return names
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
