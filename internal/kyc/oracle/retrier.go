package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"onchainkyc/internal/kyc/metrics"
	"onchainkyc/internal/kyc/models"
	"onchainkyc/pkg/requestcontext"
)

// CommitMarker records that the ledger acknowledged a session's commit.
type CommitMarker interface {
	MarkCommitted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// CommitHook runs after an attestation is committed and marked.
type CommitHook func(ctx context.Context, a models.Attestation)

// Retrier commits attestations in the background with exponential backoff.
// The queue is bounded; overflow is dropped with a warning since the session
// stays listed as uncommitted and the next recovery pass re-queues it.
type Retrier struct {
	ledger  Ledger
	marker  CommitMarker
	queue   chan models.Attestation
	workers int

	initial       time.Duration
	maxInterval   time.Duration
	commitTimeout time.Duration

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	onCommit CommitHook
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type RetrierOption func(*Retrier)

func WithRetryBackoff(initial, maxInterval time.Duration) RetrierOption {
	return func(r *Retrier) {
		if initial > 0 {
			r.initial = initial
		}
		if maxInterval > 0 {
			r.maxInterval = maxInterval
		}
	}
}

// WithCommitTimeout bounds each ledger attempt; a hung call counts as a
// retryable failure.
func WithCommitTimeout(d time.Duration) RetrierOption {
	return func(r *Retrier) {
		if d > 0 {
			r.commitTimeout = d
		}
	}
}

func WithWorkers(n int) RetrierOption {
	return func(r *Retrier) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithCommitHook(hook CommitHook) RetrierOption {
	return func(r *Retrier) {
		r.onCommit = hook
	}
}

func WithRetrierLogger(logger *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = logger
	}
}

func WithRetrierMetrics(m *metrics.Metrics) RetrierOption {
	return func(r *Retrier) {
		r.metrics = m
	}
}

func NewRetrier(ledger Ledger, marker CommitMarker, queueSize int, opts ...RetrierOption) *Retrier {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Retrier{
		ledger:        ledger,
		marker:        marker,
		queue:         make(chan models.Attestation, queueSize),
		workers:       2,
		initial:       time.Second,
		maxInterval:   5 * time.Minute,
		commitTimeout: 5 * time.Second,
		inflight:      make(map[uuid.UUID]struct{}),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue schedules a commit. It never blocks and reports whether the
// attestation was accepted; duplicates of a queued session are accepted
// without being queued twice.
func (r *Retrier) Enqueue(a models.Attestation) bool {
	r.mu.Lock()
	if _, queued := r.inflight[a.SessionID]; queued {
		r.mu.Unlock()
		return true
	}
	r.inflight[a.SessionID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- a:
		r.metrics.IncLedgerCommit("queued")
		r.metrics.SetRetryQueueDepth(len(r.queue))
		return true
	default:
		r.release(a.SessionID)
		r.metrics.IncLedgerCommit("dropped")
		r.logger.Warn("ledger retry queue full, commit deferred to recovery",
			"session_id", a.SessionID,
			"wallet", a.Wallet,
		)
		return false
	}
}

// Pending returns the number of queued attestations.
func (r *Retrier) Pending() int {
	return len(r.queue)
}

// Run processes the queue until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	var g errgroup.Group
	for range r.workers {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Retrier) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.queue:
			r.metrics.SetRetryQueueDepth(len(r.queue))
			r.commit(ctx, a)
			r.release(a.SessionID)
		}
	}
}

func (r *Retrier) commit(ctx context.Context, a models.Attestation) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxInterval = r.maxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.commitTimeout)
		defer cancel()
		err := r.ledger.Commit(attemptCtx, a.Wallet, a)
		if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			return &CommitError{Retryable: true, Err: err}
		}
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.IncLedgerCommit("failed")
		r.logger.Warn("ledger commit retry scheduled",
			"session_id", a.SessionID,
			"attempt", attempt,
			"retry_in", wait.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.metrics.IncLedgerCommit("failed")
		r.logger.Error("ledger refused commit, session left uncommitted",
			"session_id", a.SessionID,
			"wallet", a.Wallet,
			"error", err,
		)
		return
	}

	r.metrics.IncLedgerCommit("committed")
	if err := r.marker.MarkCommitted(ctx, a.SessionID, requestcontext.Now(ctx)); err != nil {
		// the ledger is idempotent on session id, so recovery may re-commit safely
		r.logger.Warn("failed to mark session committed",
			"session_id", a.SessionID,
			"error", err,
		)
		return
	}
	r.logger.Info("ledger commit completed",
		"session_id", a.SessionID,
		"wallet", a.Wallet,
		"attempts", attempt,
	)
	if r.onCommit != nil {
		r.onCommit(ctx, a)
	}
}

func (r *Retrier) release(id uuid.UUID) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
