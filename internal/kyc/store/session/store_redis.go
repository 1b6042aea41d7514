package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"onchainkyc/internal/kyc/models"
)

const (
	sessionKeyPrefix   = "kyc:session:"
	walletKeyPrefix    = "kyc:wallet:"
	stateKeyPrefix     = "kyc:state:"
	pendingExpiryKey   = "kyc:pending_expiry"
	uncommittedKey     = "kyc:uncommitted"
	verifiedKey        = "kyc:verified"
	verifiedWalletsKey = "kyc:verified_wallets"

	// maxWatchRetries bounds retries after a WATCH conflict caused by an
	// unrelated write (e.g. a commit mark) before reporting a stale transition.
	maxWatchRetries = 3
)

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func sessionKey(id uuid.UUID) string         { return sessionKeyPrefix + id.String() }
func openKey(wallet string) string           { return walletKeyPrefix + wallet + ":open" }
func terminalKey(wallet string) string       { return walletKeyPrefix + wallet + ":terminal" }
func walletVerifiedKey(wallet string) string { return walletKeyPrefix + wallet + ":verified" }
func stateKey(state models.SessionState) string {
	return stateKeyPrefix + string(state)
}

// RedisStore persists sessions in Redis. Sessions are JSON documents; wallet,
// state, expiry and verification indexes are maintained in the same MULTI as
// the document so they never disagree with it.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed session store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Create writes a session, refusing when the wallet already has an open one.
// WATCH on the wallet's open pointer turns a concurrent Create into a conflict.
func (s *RedisStore) Create(ctx context.Context, sess *models.Session) error {
	if err := sess.CheckInvariants(); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		if sess.State.IsOpen() {
			n, err := tx.Exists(ctx, openKey(sess.Wallet)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("wallet has an open session: %w", ErrConflict)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(sess.ID), data, 0)
			pipe.SAdd(ctx, stateKey(sess.State), sess.ID.String())
			if sess.State.IsOpen() {
				pipe.Set(ctx, openKey(sess.Wallet), sess.ID.String(), 0)
			}
			if sess.State == models.SessionStatePending {
				pipe.ZAdd(ctx, pendingExpiryKey, redis.Z{Score: float64(sess.ExpiresAt.UnixMilli()), Member: sess.ID.String()})
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, openKey(sess.Wallet))
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("concurrent create for wallet: %w", ErrConflict)
	}
	return err
}

func (s *RedisStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) FindOpenByWallet(ctx context.Context, wallet string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, openKey(wallet)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse open session id: %w", err)
	}
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) FindLatestTerminalByWallet(ctx context.Context, wallet string) (*models.Session, error) {
	ids, err := s.client.ZRevRange(ctx, terminalKey(wallet), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("find latest terminal session: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	id, err := uuid.Parse(ids[0])
	if err != nil {
		return nil, fmt.Errorf("parse terminal session id: %w", err)
	}
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) CountVerifiedByWallet(ctx context.Context, wallet string) (int64, error) {
	n, err := s.client.SCard(ctx, walletVerifiedKey(wallet)).Result()
	if err != nil {
		return 0, fmt.Errorf("count verified sessions by wallet: %w", err)
	}
	return n, nil
}

// Transition applies a compare-and-transition under WATCH on the session key.
func (s *RedisStore) Transition(ctx context.Context, id uuid.UUID, expected, next models.SessionState, mutate Mutator) (*models.Session, error) {
	var updated *models.Session
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, err = applyTransition(ctx, current, expected, next, mutate)
		if err != nil {
			return err
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		member := id.String()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), data, 0)
			pipe.SRem(ctx, stateKey(expected), member)
			pipe.SAdd(ctx, stateKey(next), member)
			if expected == models.SessionStatePending {
				pipe.ZRem(ctx, pendingExpiryKey, member)
			}
			if !next.IsOpen() {
				pipe.Del(ctx, openKey(updated.Wallet))
			}
			if next.IsTerminal() {
				pipe.ZAdd(ctx, terminalKey(updated.Wallet), redis.Z{Score: float64(updated.UpdatedAt.UnixNano()), Member: member})
			}
			if next == models.SessionStateVerified {
				pipe.SAdd(ctx, verifiedKey, member)
				pipe.SAdd(ctx, verifiedWalletsKey, updated.Wallet)
				pipe.SAdd(ctx, walletVerifiedKey(updated.Wallet), member)
				pipe.SAdd(ctx, uncommittedKey, member)
			}
			return nil
		})
		return err
	}

	if err := s.watchWithRetry(ctx, txf, sessionKey(id)); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("session %s modified concurrently: %w", id, ErrStaleTransition)
		}
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) MarkCommitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, changed, err := applyCommit(current, at)
		if err != nil || !changed {
			return err
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), data, 0)
			pipe.SRem(ctx, uncommittedKey, id.String())
			return nil
		})
		return err
	}
	return s.watchWithRetry(ctx, txf, sessionKey(id))
}

func (s *RedisStore) ListByState(ctx context.Context, state models.SessionState, limit int) ([]*models.Session, error) {
	ids, err := s.client.SMembers(ctx, stateKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions by state: %w", err)
	}
	return s.getMany(ctx, ids, clampLimit(limit))
}

func (s *RedisStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, pendingExpiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(clampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return s.getMany(ctx, ids, clampLimit(limit))
}

func (s *RedisStore) ListUncommitted(ctx context.Context, limit int) ([]*models.Session, error) {
	ids, err := s.client.SMembers(ctx, uncommittedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list uncommitted sessions: %w", err)
	}
	return s.getMany(ctx, ids, clampLimit(limit))
}

func (s *RedisStore) CountVerified(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, verifiedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count verified sessions: %w", err)
	}
	return n, nil
}

func (s *RedisStore) CountVerifiedWallets(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, verifiedWalletsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count verified wallets: %w", err)
	}
	return n, nil
}

func (s *RedisStore) watchWithRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for range maxWatchRetries {
		err = s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id uuid.UUID) (*models.Session, error) {
	data, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) getMany(ctx context.Context, ids []string, limit int) ([]*models.Session, error) {
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.Session, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		sess, err := s.get(ctx, s.client, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
