package oracle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"onchainkyc/internal/kyc/models"
)

var _ Ledger = (*tracedLedger)(nil)

type tracedLedger struct {
	Ledger
	tracer oteltrace.Tracer
}

// Traced wraps a ledger so every call gets its own span.
func Traced(inner Ledger, tracer oteltrace.Tracer) Ledger {
	return &tracedLedger{Ledger: inner, tracer: tracer}
}

func (t *tracedLedger) Commit(ctx context.Context, wallet string, a models.Attestation) error {
	ctx, span := t.tracer.Start(ctx, "ledger.Commit", oteltrace.WithAttributes(
		attribute.String("kyc.wallet", wallet),
		attribute.Stringer("kyc.session_id", a.SessionID),
	))
	defer span.End()

	err := t.Ledger.Commit(ctx, wallet, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		span.SetAttributes(attribute.Bool("kyc.retryable", IsRetryable(err)))
	}
	return err
}

func (t *tracedLedger) Read(ctx context.Context, wallet string) (*models.ComplianceRecord, error) {
	ctx, span := t.tracer.Start(ctx, "ledger.Read", oteltrace.WithAttributes(
		attribute.String("kyc.wallet", wallet),
	))
	defer span.End()

	rec, err := t.Ledger.Read(ctx, wallet)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("kyc.is_verified", rec.IsVerified))
	return rec, nil
}
