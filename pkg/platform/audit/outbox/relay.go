// Package outbox relays audit events from the Postgres outbox table to Kafka.
package outbox

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"onchainkyc/pkg/platform/audit/store/postgres"
	txcontext "onchainkyc/pkg/platform/tx"
)

// Source is the outbox side of the relay.
type Source interface {
	FetchUnprocessed(ctx context.Context, limit int) ([]postgres.Entry, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Producer delivers records to the broker.
type Producer interface {
	Publish(ctx context.Context, records ...*kgo.Record) error
}

// Relay polls the outbox and publishes unprocessed entries. An entry is marked
// processed only after the broker acknowledged it, so delivery is at-least-once.
type Relay struct {
	source    Source
	producer  Producer
	runInTx   func(ctx context.Context, fn func(ctx context.Context) error) error
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Relay)

// WithDB runs each batch in a transaction so FOR UPDATE SKIP LOCKED row locks
// hold until the entries are marked.
func WithDB(db *sql.DB) Option {
	return func(r *Relay) {
		r.runInTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return txcontext.Run(ctx, db, fn)
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRelay(source Source, producer Producer, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		producer:  producer,
		interval:  time.Second,
		batchSize: 100,
		logger:    slog.Default(),
		now:       time.Now,
		runInTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays batches until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise the relay waits for the interval.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox relay failed", "error", err)
		}
		if err == nil && n == r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many entries were relayed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var relayed int
	err := r.runInTx(ctx, func(ctx context.Context) error {
		entries, err := r.source.FetchUnprocessed(ctx, r.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		records := make([]*kgo.Record, len(entries))
		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			records[i] = toRecord(e)
			ids[i] = e.ID
		}
		if err := r.producer.Publish(ctx, records...); err != nil {
			return err
		}
		if err := r.source.MarkProcessed(ctx, ids, r.now()); err != nil {
			return err
		}
		relayed = len(entries)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if relayed > 0 {
		r.logger.DebugContext(ctx, "outbox batch relayed", "count", relayed)
	}
	return relayed, nil
}

func toRecord(e postgres.Entry) *kgo.Record {
	return &kgo.Record{
		Key:   []byte(e.AggregateID),
		Value: e.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(e.ID.String())},
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "aggregate_type", Value: []byte(e.AggregateType)},
		},
		Timestamp: e.CreatedAt,
	}
}
