package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/pkg/requestcontext"
)

// RecoveryReport summarizes a Recover pass.
type RecoveryReport struct {
	Resumed  int
	Requeued int
}

// SweepExpired expires every pending session whose deadline has passed and
// returns how many it moved.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ctx = requestcontext.WithTime(ctx, requestcontext.Now(ctx))
	now := requestcontext.Now(ctx)

	swept := 0
	for {
		batch, err := s.sessions.ListExpiredPending(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return swept, err
		}
		progressed := false
		for _, sess := range batch {
			current, err := s.expire(ctx, sess)
			if err != nil {
				return swept, err
			}
			if current.State == models.SessionStateExpired {
				swept++
				progressed = true
			}
		}
		if len(batch) < s.cfg.BatchSize || !progressed {
			return swept, nil
		}
	}
}

// RunSweeper runs on every tick until ctx is cancelled: it expires overdue
// sessions and hands uncommitted verifications back to the commit queue.
// Sessions verified within the last commit timeout are skipped since their
// synchronous commit may still be running.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	n, err := s.SweepExpired(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "session sweep failed", "error", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired sessions swept", "count", n)
	}

	requeued, err := s.RequeueUncommitted(ctx, s.cfg.CommitTimeout)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "requeue of uncommitted sessions failed", "error", err)
	}
	if requeued > 0 {
		s.logger.InfoContext(ctx, "uncommitted sessions requeued", "count", requeued)
	}
}

// Recover finishes work a crash may have interrupted: proof_received sessions
// are re-evaluated from their stored pending proof, and verified sessions the
// ledger never acknowledged are queued for commit again.
func (s *Service) Recover(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	resumed, err := s.resumeReceived(ctx)
	report.Resumed = resumed
	if err != nil {
		return report, err
	}
	requeued, err := s.RequeueUncommitted(ctx, 0)
	report.Requeued = requeued
	return report, err
}

func (s *Service) resumeReceived(ctx context.Context) (int, error) {
	resumed := 0
	failed := make(map[uuid.UUID]struct{})
	for {
		batch, err := s.sessions.ListByState(ctx, models.SessionStateProofReceived, s.cfg.BatchSize)
		if err != nil {
			return resumed, err
		}
		progressed := false
		for _, sess := range batch {
			if _, ok := failed[sess.ID]; ok {
				continue
			}
			out, err := s.finalize(ctx, sess)
			if err != nil {
				failed[sess.ID] = struct{}{}
				s.logger.ErrorContext(ctx, "failed to resume session",
					"session_id", sess.ID,
					"error", err,
				)
				continue
			}
			resumed++
			progressed = true
			s.logger.InfoContext(ctx, "session resumed",
				"session_id", sess.ID,
				"state", string(out.State),
			)
		}
		if len(batch) < s.cfg.BatchSize || !progressed {
			return resumed, nil
		}
	}
}

// RequeueUncommitted hands verified sessions the ledger has not acknowledged
// to the commit queue and returns how many it accepted. Sessions updated less
// than minAge ago are skipped. The pass stops early when the queue is full;
// the rest are picked up on a later pass.
func (s *Service) RequeueUncommitted(ctx context.Context, minAge time.Duration) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	now := requestcontext.Now(ctx)
	seen := make(map[uuid.UUID]struct{})
	requeued := 0
	for {
		batch, err := s.sessions.ListUncommitted(ctx, s.cfg.BatchSize)
		if err != nil {
			return requeued, err
		}
		// commits land asynchronously, so a later batch can repeat sessions
		fresh := false
		for _, sess := range batch {
			if _, ok := seen[sess.ID]; ok {
				continue
			}
			seen[sess.ID] = struct{}{}
			fresh = true
			if minAge > 0 && now.Sub(sess.UpdatedAt) < minAge {
				continue
			}
			if !s.queue.Enqueue(models.AttestationFor(sess)) {
				return requeued, nil
			}
			requeued++
		}
		if len(batch) < s.cfg.BatchSize || !fresh {
			return requeued, nil
		}
	}
}
